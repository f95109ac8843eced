package model

import (
	"encoding/json"
	"time"
)

// Experiment statuses.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// User represents a registered researcher.
type User struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	ProviderID  string    `json:"provider_id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Experiment is one submitted comparison of policies over a fixed arm set.
type Experiment struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	OwnerID     string             `json:"owner_id"`
	Status      string             `json:"status"` // pending, running, finished, failed
	Fingerprint string             `json:"fingerprint,omitempty"`
	Config      json.RawMessage    `json:"config"`
	Trials      int                `json:"trials"`
	Horizon     int                `json:"horizon"`
	Seed        uint64             `json:"seed,string"`
	Error       string             `json:"error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	FinishedAt  *time.Time         `json:"finished_at,omitempty"`
	Results     []ExperimentResult `json:"results,omitempty"`
}

// ExperimentResult is the aggregate performance of one policy in an experiment.
type ExperimentResult struct {
	ID                          string    `json:"id,omitempty"`
	ExperimentID                string    `json:"experiment_id"`
	Position                    int       `json:"position"`
	Policy                      string    `json:"policy"`
	Trials                      int       `json:"trials"`
	Horizon                     int       `json:"horizon"`
	OptimalArm                  int       `json:"optimal_arm"`
	OptimalArmProbability       float64   `json:"optimal_arm_probability"`
	OptimalArmProbabilityStdDev float64   `json:"optimal_arm_probability_std_dev"`
	AverageTotalReward          float64   `json:"average_total_reward"`
	TotalRewardStdDev           float64   `json:"total_reward_std_dev"`
	PullShare                   []float64 `json:"pull_share"`
	FinalValues                 []float64 `json:"final_values"`
	CreatedAt                   time.Time `json:"created_at"`
}
