package domain

// APIRole grants access to the daemon control API.
type APIRole string

const (
	// RoleViewer reads call state, events and history.
	RoleViewer APIRole = "viewer"
	// RoleOperator also places and answers calls.
	RoleOperator APIRole = "operator"
)

func (r APIRole) level() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	}
	return 0
}

// Allows reports whether r covers required.
func (r APIRole) Allows(required APIRole) bool {
	return r.level() > 0 && r.level() >= required.level()
}
