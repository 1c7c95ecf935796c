package credit

import (
	"crypto/rand"
	"errors"
	"time"
)

var errBonusClaimed = errors.New("daily bonus already claimed")

// startOfDay truncates t to local midnight in loc.
func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// bonusEligible uses calendar days in loc: one claim per date, so a claim at
// 23:59 is followed by an eligible claim at 00:00 the next day.
func bonusEligible(last *time.Time, now time.Time, loc *time.Location) bool {
	if last == nil {
		return true
	}
	return startOfDay(now, loc).After(startOfDay(*last, loc))
}

func nextBonusAt(now time.Time, loc *time.Location) time.Time {
	return startOfDay(now, loc).AddDate(0, 0, 1)
}

const (
	referralCodeLength = 8
	// no 0/O or 1/I
	referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

func generateReferralCode() (string, error) {
	b := make([]byte, referralCodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = referralAlphabet[int(b[i])%len(referralAlphabet)]
	}
	return string(b), nil
}
