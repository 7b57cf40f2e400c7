// Package health turns queue statistics into an operator report and a
// pass/fail gate. Collecting a report only reads the store.
package health
