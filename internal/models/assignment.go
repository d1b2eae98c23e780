package models

import (
	"errors"
	"strings"
)

// GroupAssignmentSeparator joins the group and lesson parts of a group assignment id.
const GroupAssignmentSeparator = "__"

// ErrInvalidGroupAssignmentID is returned when a composite id cannot be split into both parts.
var ErrInvalidGroupAssignmentID = errors.New("invalid group assignment id")

// GroupAssignment identifies a lesson set for a teaching group.
type GroupAssignment struct {
	GroupID  string
	LessonID string
}

// ID renders the composite identifier.
func (a GroupAssignment) ID() string {
	return a.GroupID + GroupAssignmentSeparator + a.LessonID
}

// ParseGroupAssignmentID splits a composite id into its group and lesson parts.
func ParseGroupAssignmentID(value string) (GroupAssignment, error) {
	trimmed := strings.TrimSpace(value)
	groupID, lessonID, found := strings.Cut(trimmed, GroupAssignmentSeparator)
	if !found {
		return GroupAssignment{}, ErrInvalidGroupAssignmentID
	}

	groupID = strings.TrimSpace(groupID)
	lessonID = strings.TrimSpace(lessonID)
	if groupID == "" || lessonID == "" || strings.Contains(lessonID, GroupAssignmentSeparator) {
		return GroupAssignment{}, ErrInvalidGroupAssignmentID
	}

	return GroupAssignment{GroupID: groupID, LessonID: lessonID}, nil
}
