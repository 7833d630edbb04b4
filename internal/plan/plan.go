// Package plan generates and refines pre-execution plans for tasks created
// with plan mode. A plan is produced by a short-lived in-process agent call,
// streamed live to the task's plan topic, persisted on the task, and gates
// execution until a human approves it.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"agentengine/internal/agentcli"
	"agentengine/internal/errs"
	"agentengine/internal/eventbus"
	"agentengine/internal/model"
	"agentengine/internal/store"
)

// DefaultTimeout caps one plan-generation or chat agent call.
const DefaultTimeout = 5 * time.Minute

// Service owns the plan lifecycle for every task.
type Service struct {
	store   *store.Store
	agent   agentcli.Runner
	bus     eventbus.Bus
	clock   model.Clock
	Timeout time.Duration
}

// New returns a plan Service.
func New(st *store.Store, agent agentcli.Runner, bus eventbus.Bus, clock model.Clock) *Service {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Service{store: st, agent: agent, bus: bus, clock: clock, Timeout: DefaultTimeout}
}

// generatePrompt is the system framing for a plan-generation call.
func generatePrompt(repoDir, title, description string) string {
	return fmt.Sprintf(`You are a senior software architect. Analyze the task below and produce a detailed implementation plan.

## Context
Your working directory is: %s
You must only read and reference files inside this directory.

## Task: %s
Description: %s

## Requirements
1. Explore the project structure first to understand how the codebase is organized.
2. List the files to modify or create, with the concrete change for each.
3. Where a decision needs user input, pose a multiple-choice clarification question with a sensible default.
4. Organize the plan as markdown.
5. End your reply with a fenced json block of the form:
`+"```json\n{\"questions\": [{\"key\": \"...\", \"text\": \"...\", \"options\": [\"...\"], \"default\": \"...\"}]}\n```"+`
Use an empty questions array when nothing needs clarification.`, repoDir, title, description)
}

// Generate runs a plan-generation call for the task and persists the
// result. The task ends in plan_pending either way: a timeout leaves the
// plan empty so the user can retry.
func (s *Service) Generate(ctx context.Context, pid, tid, repoDir string) error {
	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return err
	}
	if task.Status == model.TaskPending {
		st := model.TaskPlanPending
		if _, err := s.store.UpdateTask(pid, tid, model.TaskPatch{Status: &st}); err != nil {
			return err
		}
	}

	s.bus.Publish(eventbus.SystemTopic, model.DispatcherEvent{
		Timestamp: s.clock.Now(), Source: "system", Message: "Generating plan for: " + task.Title,
	})

	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	topic := eventbus.PlanTopic(pid, tid)
	text, err := s.agent.Run(callCtx, repoDir, generatePrompt(repoDir, task.Title, task.Description),
		func(ev model.StreamEvent) { s.bus.Publish(topic, ev) })
	if err != nil {
		if errs.Is(err, errs.KindTimeout) {
			// Empty plan, still plan_pending: the user retries.
			log.Printf("[plan.generate] timeout project=%s task=%s", pid, tid)
			return nil
		}
		log.Printf("[plan.generate] agent failed project=%s task=%s error=%v", pid, tid, err)
		return err
	}

	planText, questions := splitQuestions(text)
	if err := s.store.SetPlanQuestions(pid, tid, planText, questions); err != nil {
		return err
	}
	if err := s.store.AppendPlanMessage(pid, tid, model.PlanMessage{
		Role: "assistant", Content: planText, Timestamp: s.clock.Now(),
	}); err != nil {
		return err
	}

	s.bus.Publish(eventbus.SystemTopic, model.DispatcherEvent{
		Timestamp: s.clock.Now(), Source: "system", Message: "Plan ready for: " + task.Title,
	})
	return nil
}

// Approve records the user's answers, folds them into the plan text, and
// releases the task for claiming.
func (s *Service) Approve(pid, tid string, answers map[string]string) error {
	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return err
	}
	if task.Status != model.TaskPlanPending {
		return errs.New(errs.KindConflict, "task "+tid+" is not awaiting plan approval")
	}

	planText := task.Plan
	if len(answers) > 0 {
		var b strings.Builder
		b.WriteString(planText)
		b.WriteString("\n\n---\n## User Answers\n")
		for _, q := range task.PlanQuestions {
			if v, ok := answers[q.Key]; ok {
				fmt.Fprintf(&b, "- **%s**: %s\n", q.Key, v)
			}
		}
		for key, v := range answers {
			if !hasQuestion(task.PlanQuestions, key) {
				fmt.Fprintf(&b, "- **%s**: %s\n", key, v)
			}
		}
		planText = b.String()
	}

	st := model.TaskPlanApproved
	approved := true
	_, err = s.store.UpdateTask(pid, tid, model.TaskPatch{
		Status:       &st,
		Plan:         &planText,
		PlanApproved: &approved,
		PlanAnswers:  answers,
	})
	return err
}

func hasQuestion(questions []model.PlanQuestion, key string) bool {
	for _, q := range questions {
		if q.Key == key {
			return true
		}
	}
	return false
}

// Reject folds the feedback into the task description and returns the task
// to pending for re-planning or direct execution.
func (s *Service) Reject(pid, tid, feedback string) error {
	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return err
	}
	if task.Status != model.TaskPlanPending {
		return errs.New(errs.KindConflict, "task "+tid+" is not awaiting plan approval")
	}

	description := task.Description
	if feedback != "" {
		description = "[plan feedback] " + feedback + "\n\n" + description
	}
	st := model.TaskPending
	_, err = s.store.UpdateTask(pid, tid, model.TaskPatch{
		Status:      &st,
		Description: &description,
	})
	return err
}

// BatchResult is the per-task outcome of a batch approval.
type BatchResult struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"` // "approved" | "rejected" | "skipped"
	Error  string `json:"error,omitempty"`
}

// Batch applies approve or reject to each task independently; a failure on
// one task does not stop the rest.
func (s *Service) Batch(pid string, taskIDs []string, approved bool, feedback string) []BatchResult {
	results := make([]BatchResult, 0, len(taskIDs))
	for _, tid := range taskIDs {
		var err error
		status := "approved"
		if approved {
			err = s.Approve(pid, tid, nil)
		} else {
			status = "rejected"
			err = s.Reject(pid, tid, feedback)
		}
		if err != nil {
			results = append(results, BatchResult{TaskID: tid, Status: "skipped", Error: err.Error()})
			continue
		}
		results = append(results, BatchResult{TaskID: tid, Status: status})
	}
	return results
}

// Chat appends a refinement turn: the user message is recorded immediately,
// then a follow-up agent call streams to the plan topic and its reply is
// appended to the transcript and becomes the current plan text.
func (s *Service) Chat(ctx context.Context, pid, tid, repoDir, message string) error {
	task, err := s.store.GetTask(pid, tid)
	if err != nil {
		return err
	}
	if task.Status != model.TaskPlanPending {
		return errs.New(errs.KindConflict, "task "+tid+" is not awaiting plan approval")
	}

	if err := s.store.AppendPlanMessage(pid, tid, model.PlanMessage{
		Role: "user", Content: message, Timestamp: s.clock.Now(),
	}); err != nil {
		return err
	}

	prompt := fmt.Sprintf("[Working directory: %s — only reference files inside it]\n\n"+
		"The current plan is:\n\n%s\n\nUser follow-up:\n%s\n\n"+
		"Reply with the revised plan, keeping the same structure.", repoDir, task.Plan, message)

	callCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	topic := eventbus.PlanTopic(pid, tid)
	text, err := s.agent.Run(callCtx, repoDir, prompt,
		func(ev model.StreamEvent) { s.bus.Publish(topic, ev) })
	if err != nil {
		if errs.Is(err, errs.KindTimeout) {
			return nil
		}
		return err
	}

	planText, questions := splitQuestions(text)
	if err := s.store.SetPlanQuestions(pid, tid, planText, questions); err != nil {
		return err
	}
	return s.store.AppendPlanMessage(pid, tid, model.PlanMessage{
		Role: "assistant", Content: planText, Timestamp: s.clock.Now(),
	})
}

// splitQuestions extracts the trailing fenced json questions block, if the
// agent produced one, and returns the plan text without it.
func splitQuestions(text string) (string, []model.PlanQuestion) {
	const fence = "```json"
	idx := strings.LastIndex(text, fence)
	if idx < 0 {
		return strings.TrimSpace(text), nil
	}
	rest := text[idx+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(text), nil
	}

	var payload struct {
		Questions []model.PlanQuestion `json:"questions"`
	}
	if err := json.Unmarshal([]byte(rest[:end]), &payload); err != nil {
		return strings.TrimSpace(text), nil
	}
	planText := strings.TrimSpace(text[:idx] + rest[end+len("```"):])
	return planText, payload.Questions
}
