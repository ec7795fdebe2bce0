package workforce

import (
	"fmt"
	"sort"
	"time"
)

// Compliance rule thresholds. These are simplified placeholders for the
// hospitality award; a real engine would load them per jurisdiction.
const (
	maxWeeklyHours = 38.0
	minRestHours   = 10.0

	lateNightStartHour = 22
	lateNightEndHour   = 6
)

// Violation codes.
const (
	CodeOvertime         = "OVERTIME"
	CodeLateNightLoading = "LATE_NIGHT_LOADING"
	CodeInsufficientRest = "INSUFFICIENT_REST"
)

// Violation is a single compliance annotation on a roster. Loadings are
// informational; overtime and rest breaches are warnings the manager should
// fix before publishing.
type Violation struct {
	Code       string `json:"code"`
	EmployeeID string `json:"employeeId"`
	ShiftID    string `json:"shiftId,omitempty"`
	Message    string `json:"message"`
	Warning    bool   `json:"warning"`
}

// EvaluateRoster annotates a roster with award-penalty violations: weekly
// hours over the overtime threshold, shifts attracting late-night loading,
// and rest gaps shorter than the minimum between consecutive shifts.
func EvaluateRoster(roster *Roster) []Violation {
	if roster == nil || len(roster.Shifts) == 0 {
		return nil
	}

	byEmployee := make(map[string][]Shift)
	for _, s := range roster.Shifts {
		byEmployee[s.EmployeeID] = append(byEmployee[s.EmployeeID], s)
	}

	employeeIDs := make([]string, 0, len(byEmployee))
	for id := range byEmployee {
		employeeIDs = append(employeeIDs, id)
	}
	sort.Strings(employeeIDs)

	var violations []Violation
	for _, employeeID := range employeeIDs {
		shifts := byEmployee[employeeID]
		sort.Slice(shifts, func(i, j int) bool { return shifts[i].Start.Before(shifts[j].Start) })

		totalHours := 0.0
		for _, s := range shifts {
			totalHours += s.Hours()
			if shiftTouchesLateNight(s) {
				violations = append(violations, Violation{
					Code:       CodeLateNightLoading,
					EmployeeID: employeeID,
					ShiftID:    s.ID,
					Message:    fmt.Sprintf("shift %s attracts late-night loading (%02d:00-%02d:00)", s.ID, lateNightStartHour, lateNightEndHour),
				})
			}
		}

		if totalHours > maxWeeklyHours {
			violations = append(violations, Violation{
				Code:       CodeOvertime,
				EmployeeID: employeeID,
				Message:    fmt.Sprintf("rostered %.1fh, over the %.0fh weekly threshold", totalHours, maxWeeklyHours),
				Warning:    true,
			})
		}

		for i := 1; i < len(shifts); i++ {
			rest := shifts[i].Start.Sub(shifts[i-1].End)
			if rest < 0 {
				rest = 0
			}
			if rest.Hours() < minRestHours {
				violations = append(violations, Violation{
					Code:       CodeInsufficientRest,
					EmployeeID: employeeID,
					ShiftID:    shifts[i].ID,
					Message:    fmt.Sprintf("only %.1fh rest before shift %s, minimum is %.0fh", rest.Hours(), shifts[i].ID, minRestHours),
					Warning:    true,
				})
			}
		}
	}

	return violations
}

// shiftTouchesLateNight reports whether any part of the shift overlaps the
// late-night loading window: before 06:00 or from 22:00 on any day the shift
// spans. Interval overlap is checked per day, so a shift grazing the window
// by a minute still attracts the loading.
func shiftTouchesLateNight(s Shift) bool {
	start := s.Start.UTC()
	end := s.End.UTC()
	if !start.Before(end) {
		return false
	}

	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for !day.After(end) {
		morningEnd := day.Add(lateNightEndHour * time.Hour)
		if start.Before(morningEnd) && end.After(day) {
			return true
		}
		eveningStart := day.Add(lateNightStartHour * time.Hour)
		nextDay := day.Add(24 * time.Hour)
		if start.Before(nextDay) && end.After(eveningStart) {
			return true
		}
		day = nextDay
	}
	return false
}
