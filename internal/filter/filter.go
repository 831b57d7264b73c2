// Package filter decides which inbound messages an account keeps.
package filter

// ExcludedPeerID is the network's service-notification peer. Its messages
// are never stored.
const ExcludedPeerID = "777000"

// Peer types as reported by the worker.
const (
	PeerUser    = "user"
	PeerChat    = "chat"
	PeerChannel = "channel"
)

// Rejection reasons.
const (
	ReasonExcludedPeer = "excluded_peer"
	ReasonMasterOff    = "saveMessages_off"
	ReasonBotsOff      = "saveFromBots_off"
	ReasonChannelsOff  = "saveFromChannels_off"
	ReasonGroupsOff    = "saveFromGroups_off"
	ReasonPrivateOff   = "saveFromPrivate_off"
)

// Settings are an account's five filter toggles.
type Settings struct {
	SaveMessages     bool `json:"saveMessages"`
	SaveFromChannels bool `json:"saveFromChannels"`
	SaveFromBots     bool `json:"saveFromBots"`
	SaveFromPrivate  bool `json:"saveFromPrivate"`
	SaveFromGroups   bool `json:"saveFromGroups"`
}

// DefaultSettings apply when an account has no stored settings: keep
// everything one-to-one, drop bots, channels and groups.
func DefaultSettings() Settings {
	return Settings{
		SaveMessages:    true,
		SaveFromPrivate: true,
	}
}

// Candidate is the part of a message the decision looks at.
type Candidate struct {
	PeerID     string
	PeerType   string
	IsOutgoing bool
	IsBot      bool
}

// Decision is Admit (Reason empty) or a rejection with its reason code.
type Decision struct {
	Admit  bool
	Reason string
}

func reject(reason string) Decision { return Decision{Reason: reason} }

// Decide applies the filter. A nil s means DefaultSettings. The first
// matching rule wins; outgoing messages are only subject to the excluded
// peer and the master switch.
func Decide(s *Settings, c Candidate) Decision {
	set := DefaultSettings()
	if s != nil {
		set = *s
	}

	if c.PeerID == ExcludedPeerID {
		return reject(ReasonExcludedPeer)
	}
	if !set.SaveMessages {
		return reject(ReasonMasterOff)
	}
	if c.IsOutgoing {
		return Decision{Admit: true}
	}

	switch {
	case c.IsBot && !set.SaveFromBots:
		return reject(ReasonBotsOff)
	case c.PeerType == PeerChannel && !set.SaveFromChannels:
		return reject(ReasonChannelsOff)
	case c.PeerType == PeerChat && !set.SaveFromGroups:
		return reject(ReasonGroupsOff)
	case c.PeerType == PeerUser && !c.IsBot && !set.SaveFromPrivate:
		return reject(ReasonPrivateOff)
	}
	return Decision{Admit: true}
}

// Names lists the toggle names accepted by Set, in display order.
var Names = []string{"saveMessages", "saveFromPrivate", "saveFromGroups", "saveFromChannels", "saveFromBots"}

// Set changes the toggle called name. It reports false for unknown names.
func (s *Settings) Set(name string, v bool) bool {
	switch name {
	case "saveMessages":
		s.SaveMessages = v
	case "saveFromChannels":
		s.SaveFromChannels = v
	case "saveFromBots":
		s.SaveFromBots = v
	case "saveFromPrivate":
		s.SaveFromPrivate = v
	case "saveFromGroups":
		s.SaveFromGroups = v
	default:
		return false
	}
	return true
}
