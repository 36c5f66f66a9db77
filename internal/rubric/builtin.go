package rubric

// Built-in rubric ids.
const (
	IDGeneral  = "general"
	IDInvestor = "investor"
	IDSales    = "sales"
)

// DefaultID is the rubric used when the caller does not choose one.
const DefaultID = IDGeneral

var builtins = map[string]Rubric{
	IDGeneral: {
		ID:          IDGeneral,
		Name:        "General pitch",
		Description: "Balanced rubric for any short spoken pitch.",
		Criteria: []Criterion{
			{Name: "Clarity", Description: "The core idea is easy to follow and free of jargon.", Weight: 3},
			{Name: "Structure", Description: "Clear opening, body and close with logical transitions.", Weight: 2},
			{Name: "Persuasiveness", Description: "Claims are backed by evidence and a clear benefit.", Weight: 2},
			{Name: "Delivery", Description: "Pace, confidence and absence of filler words.", Weight: 2},
			{Name: "Call to action", Description: "The listener knows exactly what is being asked.", Weight: 1},
		},
	},
	IDInvestor: {
		ID:          IDInvestor,
		Name:        "Investor pitch",
		Description: "Startup fundraising pitch aimed at angel or seed investors.",
		Criteria: []Criterion{
			{Name: "Problem", Description: "A painful, specific problem for an identifiable customer.", Weight: 2},
			{Name: "Solution", Description: "How the product solves the problem and why now.", Weight: 2},
			{Name: "Market", Description: "Credible market size and go-to-market plan.", Weight: 2},
			{Name: "Traction", Description: "Evidence of demand: users, revenue, pilots.", Weight: 2},
			{Name: "Team", Description: "Why this team wins.", Weight: 1},
			{Name: "Ask", Description: "Amount raised and use of funds.", Weight: 1},
		},
	},
	IDSales: {
		ID:          IDSales,
		Name:        "Sales pitch",
		Description: "Customer-facing pitch for a product or service.",
		Criteria: []Criterion{
			{Name: "Discovery", Description: "Shows understanding of the customer's situation.", Weight: 2},
			{Name: "Value", Description: "Benefits are quantified and tied to the customer's goals.", Weight: 3},
			{Name: "Objection handling", Description: "Anticipates and addresses likely objections.", Weight: 2},
			{Name: "Close", Description: "Proposes a concrete next step.", Weight: 1},
		},
	},
}

// Builtin returns the built-in rubric with the given id.
func Builtin(id string) (Rubric, bool) {
	r, ok := builtins[id]
	if !ok {
		return Rubric{}, false
	}
	r.Criteria = append([]Criterion(nil), r.Criteria...)
	return r, true
}

// Builtins returns every built-in rubric ordered by id.
func Builtins() []Rubric {
	return []Rubric{builtins[IDGeneral], builtins[IDInvestor], builtins[IDSales]}
}
