/*
Package waypoint runs a multi-agent travel planner as a durable,
checkpointed workflow.

Every conversational turn on a thread starts at the coordinator, which either
answers directly or hands off to the planner. The planner writes a plan and a
supervisor then routes the work to the team members (calendar, search,
sharing, travel_planner) until it answers FINISH. Each step is persisted as a
checkpoint plus the channel writes it produced, so a run interrupted between
steps resumes from the last completed node and the thread history can be read
back from the write log.

# Usage

	store := memory.NewStore()
	client := llm.New(llm.Config{APIKey: os.Getenv("OPENAI_API_KEY")})

	eng, err := waypoint.New(store, waypoint.WithLLM(client))
	if err != nil {
		log.Fatal(err)
	}

	res, err := eng.Run(ctx, domain.RunRequest{
		UserID:   "u1",
		ThreadID: "t1",
		Messages: []domain.Message{domain.HumanMessage("Plan a weekend in Lisbon")},
	})

Stores are provided for memory, Redis, MongoDB, SQLite and PostgreSQL under
pkg/adapters. All of them pass the same contract suite in pkg/ports.
*/
package waypoint
