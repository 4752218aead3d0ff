package tickets

// Categories is the closed triage taxonomy with subcategory lists. The
// first subcategory of a category is its default.
var Categories = map[string][]string{
	"Academic Support": {
		"Course Registration", "Attendance Issue", "Grade Dispute",
		"Assignment Extension", "Faculty Concern",
	},
	"Examinations": {
		"Exam Schedule", "Hall Ticket", "Revaluation Request",
		"Supplementary Exam", "Exam Misconduct Appeal",
	},
	"Fees & Finance": {
		"Fee Payment Issue", "Fee Receipt", "Scholarship Query",
		"Refund Request", "Fine Dispute",
	},
	"IT Support": {
		"WiFi / Network", "Student Portal Access", "Email Account",
		"Lab Equipment", "Software License",
	},
	"Hostel & Transport": {
		"Room Allocation", "Room Maintenance", "Mess / Food",
		"Bus Route", "Hostel Rules Query",
	},
	"Certificates": {
		"Bonafide Certificate", "Transcript Request", "Migration Certificate",
		"Character Certificate", "Degree Certificate",
	},
	"Health & Counseling": {
		"Medical Assistance", "Counseling Appointment", "Harassment Complaint",
		"Ragging Complaint", "Mental Health Support",
	},
	"Library": {
		"Book Availability", "Library Card", "Fine Dispute",
		"Digital Resource Access", "Study Room Booking",
	},
	"Placements & Internships": {
		"Placement Registration", "Internship Approval", "Company Query",
		"Resume Review", "Offer Letter Issue",
	},
	"Other": {
		"General Query",
	},
}

// DepartmentMapping routes each category to the owning department.
var DepartmentMapping = map[string]string{
	"Academic Support":         "Academic Office",
	"Examinations":             "Examination Cell",
	"Fees & Finance":           "Accounts Department",
	"IT Support":               "IT Services",
	"Hostel & Transport":       "Hostel Administration",
	"Certificates":             "Registrar Office",
	"Health & Counseling":      "Student Welfare",
	"Library":                  "Library",
	"Placements & Internships": "Placement Cell",
	"Other":                    "Student Services",
}

// PriorityLevels in ascending urgency.
var PriorityLevels = []string{"Low", "Medium", "High", "Urgent"}

// SLAHours maps priority to resolution SLA.
var SLAHours = map[string]int{
	"Low":    72,
	"Medium": 48,
	"High":   24,
	"Urgent": 4,
}

// Statuses a ticket can be in.
const (
	StatusOpen       = "Open"
	StatusInProgress = "In Progress"
	StatusResolved   = "Resolved"
	StatusClosed     = "Closed"
)

// ValidCategory reports whether cat is in the taxonomy.
func ValidCategory(cat string) bool {
	_, ok := Categories[cat]
	return ok
}

// DefaultSubCategory returns the first subcategory of the category.
func DefaultSubCategory(cat string) string {
	subs := Categories[cat]
	if len(subs) == 0 {
		return "General Query"
	}
	return subs[0]
}

// ValidPriority reports whether p is a known priority level.
func ValidPriority(p string) bool {
	_, ok := SLAHours[p]
	return ok
}
