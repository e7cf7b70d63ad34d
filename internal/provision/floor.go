package provision

import "fmt"

// MinFloor is the absolute minimum number of identities a run needs.
const MinFloor = 5

// Floor returns the number of provisioned identities required to continue
// a run of n requested identities: max(5, n/2).
func Floor(n int) int {
	return max(MinFloor, n/2)
}

// FloorError reports that too few identities were provisioned.
type FloorError struct {
	Requested   int
	Provisioned int
	Floor       int
}

func (e *FloorError) Error() string {
	return fmt.Sprintf("provisioned %d of %d identities, below floor %d", e.Provisioned, e.Requested, e.Floor)
}

// CheckFloor returns a *FloorError if provisioned < Floor(requested).
func CheckFloor(requested, provisioned int) error {
	floor := Floor(requested)
	if provisioned < floor {
		return &FloorError{Requested: requested, Provisioned: provisioned, Floor: floor}
	}
	return nil
}
