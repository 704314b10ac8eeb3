package models

// ContractState holds the process-wide settings shared by all portfolios.
// It is written once by initialization and afterwards only the emergency stop
// flag and the id counter change.
type ContractState struct {
	Initialized     bool   `json:"initialized"`
	Admin           string `json:"admin"`
	OracleAddress   string `json:"oracleAddress"`
	EmergencyStop   bool   `json:"emergencyStop"`
	NextPortfolioID uint64 `json:"nextPortfolioId"`
}

// AllocateID returns the next portfolio id and advances the counter.
// Ids start at 1.
func (s *ContractState) AllocateID() uint64 {
	if s.NextPortfolioID == 0 {
		s.NextPortfolioID = 1
	}
	id := s.NextPortfolioID
	s.NextPortfolioID++
	return id
}

// Clone returns a copy of the state
func (s *ContractState) Clone() *ContractState {
	if s == nil {
		return &ContractState{}
	}
	c := *s
	return &c
}
