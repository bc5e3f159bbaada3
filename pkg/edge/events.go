package edge

// Wire names of the events exchanged with clients and raised by the registry.
const (
	EventAuthSuccess    = "mkm::auth::1"
	EventAuthFailure    = "mkm::auth::0"
	EventFMRegistered   = "mkm::fm::register::1"
	EventFMUnregistered = "mkm::fm::register::0"
	EventIBCBroadcast   = "mkm::msg::ibc::broadcast"
	EventIBCPersonal    = "mkm::msg::ibc::personal"
	EventIBCSystem      = "mkm::msg::ibc::system"
	EventIBCComment     = "mkm::msg::ibc::comment"
	EventIBCFavourite   = "mkm::msg::ibc::favourite"
	EventIBCMisc        = "mkm::msg::ibc::misc"
)

// CategoryHeader is the message header used to categorize bus deliveries.
const CategoryHeader = "category"

var categoryEvents = map[string]string{
	"ibc.system":    EventIBCSystem,
	"ibc.comment":   EventIBCComment,
	"ibc.favourite": EventIBCFavourite,
	"ibc.misc":      EventIBCMisc,
}

// EventForCategory maps a category header value to its client event.
// An empty category falls back to EventIBCMisc; an unknown one reports false.
func EventForCategory(category string) (string, bool) {
	if category == "" {
		return EventIBCMisc, true
	}
	event, ok := categoryEvents[category]
	return event, ok
}
