// Package directmessage implements private two-party rooms.
//
// A room exists at most once per unordered user pair and carries exactly two memberships.
// Each membership holds a hide cursor: logs with id <= hide_log_id are not shown to that
// member. Logs are append-only and ordered by a single sequence shared by all rooms. The
// room watermark (start_inclusive_log_id) is lowered from -1 to the first appended log id
// by an atomic conditional update and never raised afterwards.
//
// Service is the entry point. It applies input validation (silent no-ops), wraps storage
// failures of mutating operations as OpError{Kind: ErrStorage}, and hands a notification
// task to an independent queue after a log append commits.
package directmessage
