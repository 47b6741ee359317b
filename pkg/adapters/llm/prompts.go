package llm

import (
	"fmt"
	"strings"
)

const coordinatorPrompt = `You are the front desk of a travel planning assistant.
Answer greetings and small talk yourself in a short, friendly reply.
For any request that needs research, scheduling, sharing or an itinerary,
reply with exactly: handoff_to_planner()`

const plannerPrompt = `You are a travel planner that breaks the user's request into steps.
Each step is handled by one of these agents: %s.
Reply with JSON only, in this shape:
{"thought": "...", "title": "...", "steps": [{"agent_name": "...", "title": "...", "description": "..."}]}`

const supervisorPrompt = `You are a supervisor coordinating these workers: %s.
Given the plan and the conversation so far, decide which worker acts next.
When every step of the plan is done, answer FINISH.
Reply with JSON only: {"next": "<worker or FINISH>"}`

var workerPrompts = map[string]string{
	"calendar":       "You manage the user's calendar. Create, move and list events needed by the trip.",
	"search":         "You search the web for destinations, lodging, transport and prices. Cite sources.",
	"sharing":        "You share itineraries and files with the user's companions by email or link.",
	"travel_planner": "You turn research results into a day-by-day itinerary with times and costs.",
}

func plannerSystem(team []string) string {
	return fmt.Sprintf(plannerPrompt, strings.Join(team, ", "))
}

func supervisorSystem(team []string) string {
	return fmt.Sprintf(supervisorPrompt, strings.Join(team, ", "))
}

func workerSystem(name string) string {
	if p, ok := workerPrompts[name]; ok {
		return p
	}
	return fmt.Sprintf("You are the %s agent of a travel planning assistant. Complete the step assigned to you.", name)
}
