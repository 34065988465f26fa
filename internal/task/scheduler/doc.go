// Package scheduler keeps the registry of user-scheduled dataset updates.
//
// Each update is identified by its label and fires at a wall-clock HH:MM in
// the scheduler timezone, once or every day. Firing and execution are
// delegated to the task engine; this package only decides when, keeps the
// registry consistent, and re-arms recurring updates after each run.
package scheduler
