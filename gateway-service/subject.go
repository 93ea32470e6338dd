package main

import "strings"

// splitDeliverSubject parses "deliver.{userId}.{event}" into its parts.
func splitDeliverSubject(subject string) (userID, event string, ok bool) {
	parts := strings.Split(subject, ".")
	if len(parts) != 3 || parts[0] != "deliver" || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
