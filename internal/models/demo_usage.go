package models

import "time"

// DemoLimit is the number of summaries a signed-in user may request without
// an API key.
const DemoLimit = 5

type DemoUsage struct {
	Email     string    `json:"email"`
	DemoUsage int       `json:"demo_usage"`
	UpdatedAt time.Time `json:"updated_at"`
}
