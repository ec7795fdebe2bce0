package workforce

import "time"

// Employee is a staff member synced from the workforce provider.
type Employee struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Shift is a single rostered shift.
type Shift struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employeeId"`
	Role       string    `json:"role,omitempty"`
	Location   string    `json:"location,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// Hours returns the shift length in hours.
func (s Shift) Hours() float64 {
	return s.End.Sub(s.Start).Hours()
}

// Roster is one week of shifts for an organisation.
type Roster struct {
	OrgID     string     `json:"orgId"`
	WeekStart time.Time  `json:"weekStart"`
	Employees []Employee `json:"employees"`
	Shifts    []Shift    `json:"shifts"`
}
