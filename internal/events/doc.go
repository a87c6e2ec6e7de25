// Package events buffers job progress notifications and fans them out to sinks
// without blocking the job runners that emit them.
package events
