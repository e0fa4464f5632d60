package handlers

// Custom WebSocket close codes used by the game handler. These give clients a
// more specific reason for closure than the standard codes.
const (
	InvalidGameIDClose = 3000 // Game id in the WS URL was missing or malformed.
	GameNotFoundClose  = 3001 // No game record exists for the requested id.
	NotRestorableClose = 3002 // No resume identity for this game; join over HTTP first.
)
