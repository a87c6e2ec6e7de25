// Package crawler defines the domain types and collaborator interfaces shared by
// the account pool, job runner, job registry, health monitor and daily scheduler
// of the send-record crawler.
package crawler
