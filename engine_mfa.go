package authcore

import (
	"context"
	"errors"

	"github.com/guardpost/authcore/internal/token"
)

// issueMFAChallenge parks a password-accepted login behind a step-up
// challenge. The challenge lives only in the ephemeral cache and carries the
// risk level so the final audit entry reflects the original assessment.
func (e *Engine) issueMFAChallenge(ctx context.Context, user *User, assessment RiskAssessment) (*LoginResult, error) {
	challengeID, err := token.NewSessionID()
	if err != nil {
		return nil, err
	}
	record := &mfaChallenge{
		UserID:    user.ID,
		OrgID:     user.OrgID,
		Risk:      assessment.Level,
		ExpiresAt: e.now().Add(e.config.MFA.ChallengeTTL).UnixNano(),
	}
	cctx, cancel := e.cacheCtx(ctx)
	err = e.challenges.Save(cctx, challengeID, record, e.config.MFA.ChallengeTTL)
	cancel()
	if err != nil {
		return nil, wrapCacheErr(err)
	}

	e.metricInc(MetricMFAChallengeIssued)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      user.ID,
		OrgID:        user.OrgID,
		Action:       auditMFAChallenge,
		ResourceType: "mfa_challenge",
		Risk:         assessment.Level,
		Details:      riskDetails(assessment, nil),
	})

	return &LoginResult{
		MFARequired:  true,
		MFAChallenge: challengeID,
		Risk:         assessment,
	}, nil
}

// ConfirmLoginMFA completes a pending login challenge with a TOTP code or a
// backup recovery code and issues the session. A challenge is single-use:
// concurrent confirmations race on its deletion and exactly one wins.
func (e *Engine) ConfirmLoginMFA(ctx context.Context, challengeID, code string) (*LoginResult, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}

	cctx, cancel := e.cacheCtx(ctx)
	record, err := e.challenges.Get(cctx, challengeID)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, errMFAChallengeNotFound):
			return nil, ErrMFAChallengeInvalid
		case errors.Is(err, errMFAChallengeExpired):
			return nil, ErrMFAChallengeExpired
		default:
			return nil, wrapCacheErr(err)
		}
	}

	allowed, err := e.mfaLimiter.Allow(ctx, record.UserID)
	if err != nil {
		return nil, wrapCacheErr(err)
	}
	if !allowed {
		e.metricInc(MetricMFARateLimited)
		return nil, ErrMFARateLimited
	}

	sctx, cancel := e.storeCtx(ctx)
	user, err := e.store.GetUserByID(sctx, record.UserID)
	cancel()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if user.Status != UserActive || user.Locked(e.now()) {
		return nil, ErrInvalidCredentials
	}

	usedBackup, err := e.verifySecondFactor(ctx, user, code)
	if err != nil {
		if errors.Is(err, ErrMFACodeInvalid) || errors.Is(err, ErrBackupCodeInvalid) {
			return nil, e.failMFAChallenge(ctx, user, challengeID, err)
		}
		return nil, err
	}

	// Deleting the challenge is the commit point; the loser of a concurrent
	// confirmation stops here.
	cctx, cancel = e.cacheCtx(ctx)
	owned, err := e.challenges.Delete(cctx, challengeID)
	cancel()
	if err != nil {
		return nil, wrapCacheErr(err)
	}
	if !owned {
		return nil, ErrMFAChallengeInvalid
	}

	if err := e.mfaLimiter.Reset(ctx, record.UserID); err != nil {
		return nil, wrapCacheErr(err)
	}

	e.metricInc(MetricMFASuccess)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      user.ID,
		OrgID:        user.OrgID,
		Action:       auditMFASuccess,
		ResourceType: "mfa_challenge",
		Risk:         record.Risk,
		Details:      map[string]string{"backup_code": boolString(usedBackup)},
	})
	if usedBackup {
		e.notify(ctx, Notification{
			Kind:    NotifySecurityAlert,
			UserID:  user.ID,
			Email:   user.Email,
			Subject: "Backup code used to sign in",
		})
	}

	assessment := RiskAssessment{Level: record.Risk}
	return e.issueSession(ctx, user, assessment, user.Email, clientIPFromContext(ctx), userAgentFromContext(ctx))
}

// verifySecondFactor checks a TOTP code first and falls back to backup codes
// for inputs that cannot be a TOTP code. Returns whether a backup code was
// consumed.
func (e *Engine) verifySecondFactor(ctx context.Context, user *User, code string) (bool, error) {
	if !user.MFA.Enabled() {
		return false, ErrMFANotEnabled
	}
	if looksLikeTOTP(code, e.config.MFA.Digits) {
		return false, e.verifyTOTP(ctx, user, code)
	}
	return true, e.consumeBackupCode(ctx, user, code)
}

// verifyTOTP validates the code and advances the accepted counter. A code
// whose counter does not advance past the stored one is a replay within the
// same window and is rejected.
func (e *Engine) verifyTOTP(ctx context.Context, user *User, code string) error {
	ok, counter, err := e.totp.Verify(user.MFA.Secret, code, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrMFACodeInvalid
	}
	if counter <= user.MFA.LastUsedCounter {
		e.metricInc(MetricMFAReplayAttempt)
		return ErrMFACodeInvalid
	}

	state := user.MFA
	state.LastUsedCounter = counter
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	if err := e.store.UpdateMFAState(sctx, user.ID, state); err != nil {
		return wrapStoreErr(err)
	}
	user.MFA = state
	return nil
}

func (e *Engine) consumeBackupCode(ctx context.Context, user *User, code string) error {
	hash := token.HashBackupCode(user.ID, code)
	sctx, cancel := e.storeCtx(ctx)
	consumed, err := e.store.ConsumeBackupCode(sctx, user.ID, hash)
	cancel()
	if err != nil {
		return wrapStoreErr(err)
	}
	if !consumed {
		e.metricInc(MetricBackupCodeFailed)
		return ErrBackupCodeInvalid
	}
	e.metricInc(MetricBackupCodeUsed)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      user.ID,
		OrgID:        user.OrgID,
		Action:       auditBackupCodeUsed,
		ResourceType: "user",
		ResourceID:   user.ID,
	})
	return nil
}

// failMFAChallenge records a failed attempt against both the challenge and
// the per-user limiter, invalidating the challenge once the cap is reached.
func (e *Engine) failMFAChallenge(ctx context.Context, user *User, challengeID string, cause error) error {
	e.metricInc(MetricMFAFailure)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      user.ID,
		OrgID:        user.OrgID,
		Action:       auditMFAFailure,
		ResourceType: "mfa_challenge",
	})
	if err := e.mfaLimiter.RecordFailure(ctx, user.ID); err != nil {
		return wrapCacheErr(err)
	}

	cctx, cancel := e.cacheCtx(ctx)
	exceeded, err := e.challenges.RecordFailure(cctx, challengeID, e.config.MFA.MaxAttempts)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, errMFAChallengeNotFound):
			return ErrMFAChallengeInvalid
		case errors.Is(err, errMFAChallengeExpired):
			return ErrMFAChallengeExpired
		default:
			return wrapCacheErr(err)
		}
	}
	if exceeded {
		e.metricInc(MetricMFARateLimited)
		return ErrMFARateLimited
	}
	return cause
}

// BeginMFASetup provisions a TOTP secret and backup codes for a user without
// active enrollment. The returned material is shown exactly once; the store
// keeps only the secret and the code hashes.
func (e *Engine) BeginMFASetup(ctx context.Context, userID string) (*MFASetup, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	user, err := e.store.GetUserByID(sctx, userID)
	cancel()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if user.MFA.Enabled() {
		return nil, ErrMFAAlreadyEnabled
	}

	secret, secretB32, err := e.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	codes, err := token.NewBackupCodes(e.config.MFA.BackupCodeCount, e.config.MFA.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	records := make([]BackupCodeRecord, len(codes))
	for i, c := range codes {
		records[i] = BackupCodeRecord{Hash: token.HashBackupCode(userID, c)}
	}

	sctx, cancel = e.storeCtx(ctx)
	defer cancel()
	state := MFAState{Status: MFASetupPending, Secret: secret}
	if err := e.store.UpdateMFAState(sctx, userID, state); err != nil {
		return nil, wrapStoreErr(err)
	}
	if err := e.store.ReplaceBackupCodes(sctx, userID, records); err != nil {
		return nil, wrapStoreErr(err)
	}

	return &MFASetup{
		SecretBase32: secretB32,
		ProvisionURI: e.totp.ProvisionURI(secretB32, user.Email),
		BackupCodes:  codes,
	}, nil
}

// ConfirmMFASetup proves possession of the enrolled authenticator and
// activates enforcement.
func (e *Engine) ConfirmMFASetup(ctx context.Context, userID, code string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	user, err := e.store.GetUserByID(sctx, userID)
	cancel()
	if err != nil {
		return wrapStoreErr(err)
	}
	if user.MFA.Status != MFASetupPending {
		return ErrMFASetupNotPending
	}

	ok, counter, err := e.totp.Verify(user.MFA.Secret, code, e.now())
	if err != nil {
		return err
	}
	if !ok {
		e.metricInc(MetricMFAFailure)
		return ErrMFACodeInvalid
	}

	state := MFAState{Status: MFAEnabled, Secret: user.MFA.Secret, LastUsedCounter: counter}
	sctx, cancel = e.storeCtx(ctx)
	err = e.store.UpdateMFAState(sctx, userID, state)
	cancel()
	if err != nil {
		return wrapStoreErr(err)
	}

	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      userID,
		OrgID:        user.OrgID,
		Action:       auditMFAEnabled,
		ResourceType: "user",
		ResourceID:   userID,
	})
	e.notify(ctx, Notification{
		Kind:    NotifySecurityAlert,
		UserID:  userID,
		Email:   user.Email,
		Subject: "Multi-factor authentication enabled",
	})
	return nil
}

// DisableMFA turns enforcement off. It demands a fresh password proof plus a
// valid code so a hijacked session cannot silently strip the second factor.
func (e *Engine) DisableMFA(ctx context.Context, userID, plaintext, code string) error {
	if e == nil || e.store == nil {
		return ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	user, err := e.store.GetUserByID(sctx, userID)
	cancel()
	if err != nil {
		return wrapStoreErr(err)
	}
	if !user.MFA.Enabled() {
		return ErrMFANotEnabled
	}
	if ok, err := e.hasher.Verify(plaintext, user.PasswordHash); err != nil || !ok {
		return ErrInvalidCredentials
	}
	if _, err := e.verifySecondFactor(ctx, user, code); err != nil {
		return err
	}

	sctx, cancel = e.storeCtx(ctx)
	defer cancel()
	if err := e.store.UpdateMFAState(sctx, userID, MFAState{Status: MFADisabled}); err != nil {
		return wrapStoreErr(err)
	}
	if err := e.store.ReplaceBackupCodes(sctx, userID, nil); err != nil {
		return wrapStoreErr(err)
	}

	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      userID,
		OrgID:        user.OrgID,
		Action:       auditMFADisabled,
		ResourceType: "user",
		ResourceID:   userID,
	})
	e.notify(ctx, Notification{
		Kind:    NotifySecurityAlert,
		UserID:  userID,
		Email:   user.Email,
		Subject: "Multi-factor authentication disabled",
	})
	return nil
}

// RegenerateBackupCodes replaces the whole backup code set after a fresh
// password proof. Previously issued codes stop working immediately.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID, plaintext string) ([]string, error) {
	if e == nil || e.store == nil {
		return nil, ErrEngineNotReady
	}
	sctx, cancel := e.storeCtx(ctx)
	user, err := e.store.GetUserByID(sctx, userID)
	cancel()
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	if !user.MFA.Enabled() {
		return nil, ErrMFANotEnabled
	}
	if ok, err := e.hasher.Verify(plaintext, user.PasswordHash); err != nil || !ok {
		return nil, ErrInvalidCredentials
	}

	codes, err := token.NewBackupCodes(e.config.MFA.BackupCodeCount, e.config.MFA.BackupCodeLength)
	if err != nil {
		return nil, err
	}
	records := make([]BackupCodeRecord, len(codes))
	for i, c := range codes {
		records[i] = BackupCodeRecord{Hash: token.HashBackupCode(userID, c)}
	}

	sctx, cancel = e.storeCtx(ctx)
	err = e.store.ReplaceBackupCodes(sctx, userID, records)
	cancel()
	if err != nil {
		return nil, wrapStoreErr(err)
	}

	e.metricInc(MetricBackupCodeRegenerated)
	e.emitAudit(ctx, AuditLogEntry{
		ActorID:      userID,
		OrgID:        user.OrgID,
		Action:       auditBackupRegenerated,
		ResourceType: "user",
		ResourceID:   userID,
	})
	return codes, nil
}

func looksLikeTOTP(code string, digits int) bool {
	if len(code) != digits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
