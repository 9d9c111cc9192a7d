package models

import "github.com/google/uuid"

// idNamespace scopes the name-based ids derived below.
var idNamespace = uuid.MustParse("6f1c9a52-3b0e-4c86-9d2a-8e5f4b7c1d03")

// MeetingCommitmentID derives the commitment id from its request, so one
// request can produce at most one commitment.
func MeetingCommitmentID(requestID string) string {
	return uuid.NewSHA1(idNamespace, []byte("meeting-commitment:"+requestID)).String()
}

// FeedbackRequestID derives the feedback request id from its meeting.
func FeedbackRequestID(meetingCommitmentID string) string {
	return uuid.NewSHA1(idNamespace, []byte("feedback-request:"+meetingCommitmentID)).String()
}

func FeedbackCommitmentID(feedbackRequestID string) string {
	return uuid.NewSHA1(idNamespace, []byte("feedback-commitment:"+feedbackRequestID)).String()
}
