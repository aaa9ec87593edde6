// Package errors provides the classified error primitives used across apkbuilder.
//
// Every failure a client can observe carries an ErrorCategory. The HTTP adapter
// uses it to pick a status code, the CLI adapter uses it to pick an exit code,
// and job records store it so progress observers can tell archive problems from
// toolchain failures.
//
// Example usage:
//
//	err := errors.ArchiveError("no entry document found").
//		WithContext("searched", []string{"index.html", "index.htm"}).
//		Build()
package errors
