package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const TaskScoringRescore = "scoring.rescore"

type RescorePayload struct {
	LeadID string `json:"leadId"`
	Reason string `json:"reason"`
}

func NewRescoreTask(payload RescorePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskScoringRescore, data), nil
}

func ParseRescorePayload(task *asynq.Task) (RescorePayload, error) {
	var payload RescorePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RescorePayload{}, err
	}
	return payload, nil
}
