package domain

import "fmt"

// TargetKind enumerates the scopes a policy can be attached to.
type TargetKind uint8

const (
	TargetGlobal TargetKind = iota
	TargetTag
	TargetNetwork
	TargetDevice
	TargetIdentity
)

func (k TargetKind) String() string {
	switch k {
	case TargetGlobal:
		return "global"
	case TargetTag:
		return "tag"
	case TargetNetwork:
		return "network"
	case TargetDevice:
		return "device"
	case TargetIdentity:
		return "identity"
	default:
		return fmt.Sprintf("TargetKind(%d)", k)
	}
}

// Target is a policy scope: a kind plus the identifier that kind needs
// (tag id, network uuid, device MAC, identity IP). Global carries no id.
type Target struct {
	Kind TargetKind
	ID   string
}

func GlobalTarget() Target            { return Target{Kind: TargetGlobal} }
func TagTarget(id string) Target      { return Target{Kind: TargetTag, ID: id} }
func NetworkTarget(id string) Target  { return Target{Kind: TargetNetwork, ID: id} }
func DeviceTarget(mac string) Target  { return Target{Kind: TargetDevice, ID: mac} }
func IdentityTarget(ip string) Target { return Target{Kind: TargetIdentity, ID: ip} }

// Key is the storage key for per-scope settings, e.g. "policy:device:aa:bb:..".
func (t Target) Key() string {
	if t.Kind == TargetGlobal {
		return "policy:global"
	}
	return "policy:" + t.Kind.String() + ":" + t.ID
}

// TargetsFor lists the scopes that apply to a device, least specific first,
// which is also the merge order.
func TargetsFor(d Device) []Target {
	out := []Target{GlobalTarget()}
	for _, tag := range d.Tags {
		out = append(out, TagTarget(tag))
	}
	if d.Network != "" {
		out = append(out, NetworkTarget(d.Network))
	}
	if d.Pseudo {
		out = append(out, IdentityTarget(d.IP))
	} else if d.MAC != "" {
		out = append(out, DeviceTarget(d.MAC))
	}
	return out
}
