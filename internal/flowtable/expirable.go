package flowtable

import "time"

// Expirable is implemented by values that decide their own deadline, such as
// a stream whose idle timeout depends on its protocol state. ok is false when
// the value has no opinion and the caller's TTL applies.
type Expirable interface {
	ExpiresAt() (at time.Time, ok bool)
}

func expiresAt[V any](value V) (time.Time, bool) {
	e, ok := any(value).(Expirable)
	if !ok {
		return time.Time{}, false
	}
	return e.ExpiresAt()
}
