// Package build turns a validated request into a signed package.
//
// Service admits requests: it validates them, allocates a build id, creates
// the registry record and hands the job to the worker queue. Executor runs
// the pipeline for one job, publishing every stage to the registry before
// doing the stage's work, and moves the record to complete or error.
package build
