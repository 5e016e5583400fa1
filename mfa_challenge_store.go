package authcore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mfaChallengeKeyPrefix      = "authcore:chal"
	mfaChallengeRecordVersion1 = 1
)

var (
	errMFAChallengeNotFound = errors.New("mfa challenge not found")
	errMFAChallengeExpired  = errors.New("mfa challenge expired")
	errMFAChallengeBackend  = errors.New("mfa challenge backend unavailable")
)

// mfaChallenge is the pending step-up state between a risk-gated login and
// its MFA confirmation. It lives only in Redis and dies with its TTL.
// ExpiresAt is a UnixNano deadline; sub-second TTLs must not round away.
type mfaChallenge struct {
	UserID    string
	OrgID     string
	Risk      RiskLevel
	ExpiresAt int64
	Attempts  uint16
}

type mfaChallengeStore struct {
	redis redis.UniversalClient
	now   func() time.Time
}

func newMFAChallengeStore(rdb redis.UniversalClient, now func() time.Time) *mfaChallengeStore {
	return &mfaChallengeStore{redis: rdb, now: now}
}

func (s *mfaChallengeStore) key(challengeID string) string {
	return mfaChallengeKeyPrefix + ":" + challengeID
}

func (s *mfaChallengeStore) Save(ctx context.Context, challengeID string, record *mfaChallenge, ttl time.Duration) error {
	encoded, err := encodeMFAChallenge(record)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(challengeID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", errMFAChallengeBackend, err)
	}
	return nil
}

func (s *mfaChallengeStore) Get(ctx context.Context, challengeID string) (*mfaChallenge, error) {
	data, err := s.redis.Get(ctx, s.key(challengeID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errMFAChallengeNotFound
		}
		return nil, fmt.Errorf("%w: %v", errMFAChallengeBackend, err)
	}

	record, err := decodeMFAChallenge(data)
	if err != nil {
		return nil, err
	}
	if s.now().UnixNano() >= record.ExpiresAt {
		_, _ = s.redis.Del(ctx, s.key(challengeID)).Result()
		return nil, errMFAChallengeExpired
	}
	return record, nil
}

// Delete removes a consumed challenge. The bool reports whether this caller
// owned the removal, which makes confirmation single-use under races.
func (s *mfaChallengeStore) Delete(ctx context.Context, challengeID string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(challengeID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", errMFAChallengeBackend, err)
	}
	return n > 0, nil
}

// RecordFailure bumps the attempt count under WATCH so concurrent failures
// cannot undercount. Returns true when the cap is reached; the challenge is
// deleted in the same transaction.
func (s *mfaChallengeStore) RecordFailure(ctx context.Context, challengeID string, maxAttempts int) (bool, error) {
	const maxRetries = 4
	key := s.key(challengeID)

	for i := 0; i < maxRetries; i++ {
		var exceeded bool
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				return err
			}

			record, err := decodeMFAChallenge(data)
			if err != nil {
				return err
			}

			ttl := time.Unix(0, record.ExpiresAt).Sub(s.now())
			if ttl <= 0 {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				if err != nil {
					return err
				}
				return errMFAChallengeExpired
			}

			record.Attempts++
			if int(record.Attempts) >= maxAttempts {
				exceeded = true
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					return nil
				})
				return err
			}

			updated, err := encodeMFAChallenge(record)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, ttl)
				return nil
			})
			return err
		}, key)

		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return false, errMFAChallengeNotFound
			}
			if errors.Is(err, errMFAChallengeExpired) {
				return false, err
			}
			return false, fmt.Errorf("%w: %v", errMFAChallengeBackend, err)
		}
		return exceeded, nil
	}

	return false, errMFAChallengeNotFound
}

func encodeMFAChallenge(record *mfaChallenge) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(mfaChallengeRecordVersion1)
	buf.WriteByte(byte(record.Risk))

	if err := binary.Write(&buf, binary.BigEndian, record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}

	if len(record.UserID) > 65535 || len(record.OrgID) > 65535 {
		return nil, errors.New("mfa challenge id length exceeded")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.UserID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.UserID)
	if err := binary.Write(&buf, binary.BigEndian, uint16(len(record.OrgID))); err != nil {
		return nil, err
	}
	buf.WriteString(record.OrgID)

	return buf.Bytes(), nil
}

func decodeMFAChallenge(data []byte) (*mfaChallenge, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != mfaChallengeRecordVersion1 {
		return nil, errors.New("invalid mfa challenge version")
	}

	record := &mfaChallenge{}
	risk, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	record.Risk = RiskLevel(risk)

	if err := binary.Read(reader, binary.BigEndian, &record.Attempts); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}

	var userLen uint16
	if err := binary.Read(reader, binary.BigEndian, &userLen); err != nil {
		return nil, err
	}
	user := make([]byte, userLen)
	if _, err := io.ReadFull(reader, user); err != nil {
		return nil, err
	}
	record.UserID = string(user)

	var orgLen uint16
	if err := binary.Read(reader, binary.BigEndian, &orgLen); err != nil {
		return nil, err
	}
	org := make([]byte, orgLen)
	if _, err := io.ReadFull(reader, org); err != nil {
		return nil, err
	}
	record.OrgID = string(org)

	return record, nil
}
