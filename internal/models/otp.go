package models

import "time"

const OTPLength = 6

type OTPData struct {
	OTPHash   string    `json:"otp_hash"`
	Email     string    `json:"email"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChallengeState is a point-in-time view of an OTP challenge.
type ChallengeState struct {
	Code             [OTPLength]string `json:"code"`
	Focus            int               `json:"focus"`
	RemainingSeconds int               `json:"remaining_seconds"`
	Attempted        bool              `json:"attempted"`
	ResendAvailable  bool              `json:"resend_available"`
	Submitting       bool              `json:"submitting"`
}

// Filled reports whether every slot holds a digit.
func (s ChallengeState) Filled() bool {
	for _, c := range s.Code {
		if c == "" {
			return false
		}
	}
	return true
}
