package app

import "blindtest-service/internal/domain"

// tryLock is the buzzer arbiter: a single compare-and-set on the lock. It only runs at
// the session's serialization point, which makes the read and the write indivisible;
// whoever reaches it first wins and everyone after sees Locked.
func tryLock(lock *domain.BuzzerLock, teamID string) bool {
	if lock.Locked {
		return false
	}
	lock.Locked = true
	lock.WinnerID = teamID
	return true
}

// release clears the lock and its winner together and returns the previous winner.
func release(lock *domain.BuzzerLock) (string, bool) {
	if !lock.Locked {
		return "", false
	}
	winner := lock.WinnerID
	*lock = domain.BuzzerLock{}
	return winner, true
}
