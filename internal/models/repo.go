package models

import (
	"encoding/json"
	"fmt"
)

// Repo is the repository metadata needed to summarize a GitHub repository.
// It lives for a single request and is never persisted.
type Repo struct {
	Owner       string   `json:"owner"`
	Name        string   `json:"name"`
	FullName    string   `json:"full_name"`
	Description *string  `json:"description"`
	URL         string   `json:"url"`
	Stars       int      `json:"stars"`
	Language    *string  `json:"language"`
	Topics      []string `json:"topics"`
}

type SummaryResult struct {
	Summary   string     `json:"summary"`
	CoolFacts StringList `json:"cool_facts"`
}

// StringList decodes either a JSON array of strings or a single string.
// Models occasionally return one fact as a bare string.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*l = list
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return fmt.Errorf("cool_facts must be a string or an array of strings: %w", err)
	}
	*l = StringList{single}
	return nil
}

// MarshalJSON always renders an array, never null.
func (l StringList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}
