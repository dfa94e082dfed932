package main

import "github.com/Tutortoise/plate-checkin-service/pipeline"

const (
	MsgAwaitingPermission = "Allow camera access so we can read your license plate."

	MsgRunning = "Point the camera at your license plate and hold it steady until it is recognized."

	MsgMatched = "License plate recognized. Your reservation has been updated."

	MsgPermissionDenied = "Camera access was denied. Plate recognition needs the camera to continue."

	MsgFailed = "Plate recognition is unavailable right now. Please try again later or ask staff for help."

	MsgCancelled = "Plate recognition was cancelled."
)

func getStateMessage(state pipeline.State, permissionDenied bool) string {
	switch state {
	case pipeline.StateIdle, pipeline.StateAwaitingPermission:
		return MsgAwaitingPermission
	case pipeline.StateRunning:
		return MsgRunning
	case pipeline.StateMatched:
		return MsgMatched
	case pipeline.StateFailed:
		if permissionDenied {
			return MsgPermissionDenied
		}
		return MsgFailed
	default:
		return MsgCancelled
	}
}
