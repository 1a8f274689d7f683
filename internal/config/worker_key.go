package config

type WorkerKeyStruct struct {
	PersistAnswersQueue string
	PersistEventsQueue  string
}

// WorkerKey names the Redis lists drained by background workers.
var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue: "persist_answers_queue",
	PersistEventsQueue:  "persist_proctor_events_queue",
}
