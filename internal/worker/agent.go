package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashita-ai/tsugi/internal/llm"
	"github.com/ashita-ai/tsugi/internal/model"
)

// ModeAgent is the mode name of the sub-agent worker.
const ModeAgent = "agent"

const agentSystemPrompt = `You are a worker agent executing a single delegated task for a supervisor.
Complete the task and reply with the result only. Be concise and factual.
If the task cannot be completed, say so and explain what blocked you.`

// AgentWorker runs a job as a one-shot model conversation.
type AgentWorker struct {
	client llm.Client
	model  string
}

// NewAgentWorker creates an AgentWorker. An empty modelName uses the
// client's default model.
func NewAgentWorker(client llm.Client, modelName string) *AgentWorker {
	return &AgentWorker{client: client, model: modelName}
}

// Run asks the model to perform job.Config.Task.
func (w *AgentWorker) Run(ctx context.Context, job model.WorkerJob) (string, error) {
	var task strings.Builder
	task.WriteString(job.Config.Task)
	if job.Config.TargetRepo != "" {
		fmt.Fprintf(&task, "\n\nTarget repository: %s", job.Config.TargetRepo)
	}

	resp, err := w.client.Invoke(ctx, llm.Request{
		Model: w.model,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: agentSystemPrompt},
			{Role: model.RoleUser, Content: task.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("worker: agent: %w", err)
	}
	return resp.Content, nil
}
