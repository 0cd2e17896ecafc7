// Package notifications pushes job outcomes to an ntfy topic.
//
// NewService returns a no-op notifier when notifications.ntfy_topic is empty,
// so callers never need to check whether alerts are enabled.
package notifications
