package browser

// The meeting UI is dynamic, but aria-labels and visible copy are the most
// stable anchors available.
const (
	selMicButton   = `div[role="button"][aria-label*="microphone"]`
	selCamButton   = `div[role="button"][aria-label*="camera"]`
	selNameInput   = `input[placeholder="Your name"]`
	selLeaveButton = `button[aria-label="Leave call"]`

	// Lobby is ready when either the device toggles or the guest name input render
	selLobby = selMicButton + ", " + selNameInput
)

const (
	reJoinButton         = `(?i)Join now|Ask to join`
	reDismissPermissions = `Continue without microphone and camera`
)

var deniedMarkers = []string{
	"You can't join this call",
	"Someone in the call denied your request",
	"The call is full",
	"Your request to join was denied",
}
