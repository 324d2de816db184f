// Package task keeps the tasks of one agent in memory and runs them through
// its engine.
//
// A task moves from submitted to working and ends completed, input-required,
// canceled or failed. Streaming callers receive one event per engine step, an
// artifact event with the answer and a final status event. Tasks with a push
// notification config have every status change posted to their callback.
package task
