package vrchat

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a pipeline event type.
type Kind string

// Event kinds consumed from the pipeline. The feed carries many more
// types (notifications, content refreshes); everything else is ignored.
const (
	// KindFriendLocation reports a friend moving to a new location.
	KindFriendLocation Kind = "friend-location"
	// KindFriendOnline reports a friend coming online.
	KindFriendOnline Kind = "friend-online"
	// KindFriendOffline reports a friend going offline.
	KindFriendOffline Kind = "friend-offline"
	// KindFriendUpdate reports a friend profile change (display name drift).
	KindFriendUpdate Kind = "friend-update"
)

// Location tokens with fixed meaning. Anything else is an opaque
// world:instance identifier.
const (
	// LocationOffline marks a friend with no location at all.
	LocationOffline = "offline"
	// LocationPrivate marks a friend in a world that hides its identity.
	LocationPrivate = "private"
	// LocationTraveling marks a friend moving between worlds.
	LocationTraveling = "traveling"
)

var (
	// ErrUnknownEvent indicates an envelope with an unrecognized type.
	ErrUnknownEvent = errors.New("vrchat: unknown event type")

	// ErrMalformedEvent indicates an envelope or payload that fails
	// structural validation.
	ErrMalformedEvent = errors.New("vrchat: malformed event")
)

// Event is a decoded pipeline event. Concrete types are FriendLocation,
// FriendOnline, FriendOffline and FriendUpdate.
type Event interface {
	// Kind returns the pipeline event type.
	Kind() Kind
}

// FriendLocation reports a friend moving to a new location.
type FriendLocation struct {
	UserID      string
	DisplayName string

	// Location is the raw location token: "private", "traveling" or a
	// world:instance identifier.
	Location string

	// WorldName is the human-readable world name when the feed carries one.
	WorldName string
}

// Kind returns KindFriendLocation.
func (FriendLocation) Kind() Kind { return KindFriendLocation }

// FriendOnline reports a friend coming online.
type FriendOnline struct {
	UserID      string
	DisplayName string
}

// Kind returns KindFriendOnline.
func (FriendOnline) Kind() Kind { return KindFriendOnline }

// FriendOffline reports a friend going offline. The feed carries no
// display name for this event.
type FriendOffline struct {
	UserID string
}

// Kind returns KindFriendOffline.
func (FriendOffline) Kind() Kind { return KindFriendOffline }

// FriendUpdate reports a friend profile change. Only the display name is
// of interest to the watcher.
type FriendUpdate struct {
	UserID      string
	DisplayName string
}

// Kind returns KindFriendUpdate.
func (FriendUpdate) Kind() Kind { return KindFriendUpdate }

// envelope is the wire framing of every pipeline message. Content is a
// JSON document encoded as a string, a quirk of the upstream feed.
type envelope struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// friendPayload mirrors the content document of the friend-* events.
type friendPayload struct {
	UserID string `json:"userId"`
	User   *struct {
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Location string `json:"location"`
	World    *struct {
		Name string `json:"name"`
	} `json:"world"`
}

// DecodeEvent decodes a raw pipeline message into a typed event.
// Envelopes with an unrecognized type return ErrUnknownEvent; envelopes
// missing required fields return ErrMalformedEvent. Both leave the feed
// usable - the caller drops the message and keeps reading.
func DecodeEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: envelope missing type", ErrMalformedEvent)
	}

	kind := Kind(env.Type)
	switch kind {
	case KindFriendLocation, KindFriendOnline, KindFriendOffline, KindFriendUpdate:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	var payload friendPayload
	if err := json.Unmarshal([]byte(env.Content), &payload); err != nil {
		return nil, fmt.Errorf("%w: %s content: %v", ErrMalformedEvent, env.Type, err)
	}
	if payload.UserID == "" {
		return nil, fmt.Errorf("%w: %s missing userId", ErrMalformedEvent, env.Type)
	}

	var displayName string
	if payload.User != nil {
		displayName = payload.User.DisplayName
	}

	switch kind {
	case KindFriendLocation:
		if displayName == "" {
			return nil, fmt.Errorf("%w: %s missing displayName", ErrMalformedEvent, env.Type)
		}
		var worldName string
		if payload.World != nil {
			worldName = payload.World.Name
		}
		return FriendLocation{
			UserID:      payload.UserID,
			DisplayName: displayName,
			Location:    payload.Location,
			WorldName:   worldName,
		}, nil

	case KindFriendOnline:
		if displayName == "" {
			return nil, fmt.Errorf("%w: %s missing displayName", ErrMalformedEvent, env.Type)
		}
		return FriendOnline{UserID: payload.UserID, DisplayName: displayName}, nil

	case KindFriendOffline:
		return FriendOffline{UserID: payload.UserID}, nil

	default: // KindFriendUpdate
		if displayName == "" {
			return nil, fmt.Errorf("%w: %s missing displayName", ErrMalformedEvent, env.Type)
		}
		return FriendUpdate{UserID: payload.UserID, DisplayName: displayName}, nil
	}
}

// ParseLocation normalizes a raw location token to the store's optional
// form. "offline" and the empty string mean no visible location (nil);
// any other token is opaque and passed through unchanged.
func ParseLocation(raw string) *string {
	if raw == "" || raw == LocationOffline {
		return nil
	}
	loc := raw
	return &loc
}
