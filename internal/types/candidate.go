package types

// a single input file from the seed corpus
type Seed struct {
	Name string `json:"name"`
	Data []byte `json:"-"`
}

// Candidate is one generated test input. It is never modified after the generator returns it.
type Candidate struct {
	Data         []byte
	Seeds        []string // names of the seeds it was derived from
	GenerationId string   // <worker>-<iteration>
}
