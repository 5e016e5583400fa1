// Package internaldefs holds the metric name table shared by the exporters.
// Keeping it in one place guarantees Prometheus and OpenTelemetry expose the
// same series names for the same engine counters.
package internaldefs

import (
	authcore "github.com/guardpost/authcore"
)

type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful logins."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed login attempts."},
	{ID: authcore.MetricLoginRefused, Name: "authcore_login_refused_total", Help: "Logins refused by the risk engine."},
	{ID: authcore.MetricLoginRateLimited, Name: "authcore_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: authcore.MetricLockoutTriggered, Name: "authcore_lockout_triggered_total", Help: "Accounts locked after repeated failures."},
	{ID: authcore.MetricRiskLow, Name: "authcore_risk_low_total", Help: "Login attempts assessed low risk."},
	{ID: authcore.MetricRiskMedium, Name: "authcore_risk_medium_total", Help: "Login attempts assessed medium risk."},
	{ID: authcore.MetricRiskHigh, Name: "authcore_risk_high_total", Help: "Login attempts assessed high risk."},
	{ID: authcore.MetricRiskCritical, Name: "authcore_risk_critical_total", Help: "Login attempts assessed critical risk."},
	{ID: authcore.MetricMFAChallengeIssued, Name: "authcore_mfa_challenge_issued_total", Help: "Step-up challenges issued at login."},
	{ID: authcore.MetricMFASuccess, Name: "authcore_mfa_success_total", Help: "Successful MFA confirmations."},
	{ID: authcore.MetricMFAFailure, Name: "authcore_mfa_failure_total", Help: "Failed MFA confirmations."},
	{ID: authcore.MetricMFAReplayAttempt, Name: "authcore_mfa_replay_attempt_total", Help: "TOTP codes rejected as replays."},
	{ID: authcore.MetricMFARateLimited, Name: "authcore_mfa_rate_limited_total", Help: "MFA attempts refused by the attempt cap."},
	{ID: authcore.MetricBackupCodeUsed, Name: "authcore_backup_code_used_total", Help: "Backup codes consumed."},
	{ID: authcore.MetricBackupCodeFailed, Name: "authcore_backup_code_failed_total", Help: "Backup code attempts that matched nothing."},
	{ID: authcore.MetricBackupCodeRegenerated, Name: "authcore_backup_code_regenerated_total", Help: "Backup code set regenerations."},
	{ID: authcore.MetricSessionCreated, Name: "authcore_session_created_total", Help: "Sessions issued."},
	{ID: authcore.MetricSessionEvicted, Name: "authcore_session_evicted_total", Help: "Sessions evicted at the concurrency ceiling."},
	{ID: authcore.MetricSessionRevoked, Name: "authcore_session_revoked_total", Help: "Sessions revoked."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Failed refresh attempts."},
	{ID: authcore.MetricRefreshReuseDetected, Name: "authcore_refresh_reuse_detected_total", Help: "Refresh tokens replayed after rotation."},
	{ID: authcore.MetricAccessCheckAllowed, Name: "authcore_access_check_allowed_total", Help: "Grant checks that allowed the operation."},
	{ID: authcore.MetricAccessCheckDenied, Name: "authcore_access_check_denied_total", Help: "Grant checks that denied the operation."},
	{ID: authcore.MetricGrantCreated, Name: "authcore_grant_created_total", Help: "Access grants created."},
	{ID: authcore.MetricGrantRevoked, Name: "authcore_grant_revoked_total", Help: "Access grants revoked."},
	{ID: authcore.MetricGrantTransferred, Name: "authcore_grant_transferred_total", Help: "Access grants handed off between technicians."},
	{ID: authcore.MetricGrantExpired, Name: "authcore_grant_expired_total", Help: "Access grants expired."},
	{ID: authcore.MetricEmergencyRequested, Name: "authcore_emergency_requested_total", Help: "Emergency access requests opened."},
	{ID: authcore.MetricEmergencyApproved, Name: "authcore_emergency_approved_total", Help: "Emergency access requests approved."},
	{ID: authcore.MetricEmergencyRejected, Name: "authcore_emergency_rejected_total", Help: "Emergency access requests rejected."},
	{ID: authcore.MetricEmergencyExpired, Name: "authcore_emergency_expired_total", Help: "Emergency access requests expired unanswered."},
	{ID: authcore.MetricAuditWriteFailure, Name: "authcore_audit_write_failure_total", Help: "Audit sink write failures."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricValidateLatency, Name: "authcore_validate_latency_seconds", Help: "Access token validation latency."},
}

// HistogramBounds are the upper bounds, in seconds, of the engine's fixed
// latency buckets.
var HistogramBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix mirrors HistogramBounds for backends that need the
// bound embedded in the series name.
var HistogramBoundSuffix = []string{"0_005", "0_01", "0_025", "0_05", "0_1", "0_25", "0_5", "inf"}

func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
