// Package security provides validation, sanitization, and limits for the scale engine.
//
// This package includes:
//   - Input validation for job type, recipe type, rule and workspace names
//   - Version and resource requirement validation
//   - Error message sanitization to prevent sensitive data leakage
//   - Clamping functions to enforce safe limits on tries, priority and concurrency
//
// Most users should import the root package github.com/jdziat/scale-jobs
// which re-exports these functions.
package security
