package domain

import (
	"fmt"
	"time"
)

// AlarmTypeIntel is the alarm type raised for malicious DNS destinations.
const AlarmTypeIntel = "ALARM_INTEL"

// Device identifies the querying client.
type Device struct {
	ID      string   `json:"id"`
	MAC     string   `json:"mac,omitempty"`
	IP      string   `json:"ip,omitempty"`
	Name    string   `json:"name,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Network string   `json:"network,omitempty"`
	// Pseudo is set when the identity was synthesized from an IP because no MAC is known.
	Pseudo bool `json:"pseudo,omitempty"`
}

// PseudoDevice builds the identity used for non-MAC clients such as VPN peers.
func PseudoDevice(ip string) Device {
	return Device{ID: "ip:" + ip, IP: ip, Name: ip, Pseudo: true}
}

// Alarm is a security alarm handed to the alarm queue.
type Alarm struct {
	Type        string    `json:"type"`
	Device      Device    `json:"device"`
	Domain      string    `json:"domain"`       // domain the intel record is about
	QueryDomain string    `json:"query_domain"` // literal name that was queried
	Category    string    `json:"category"`
	Reason      string    `json:"reason,omitempty"`
	Country     string    `json:"country,omitempty"`
	Timestamp   time.Time `json:"ts"`
}

// Fingerprint identifies identical alarms for dedup-on-enqueue.
func (a Alarm) Fingerprint() string {
	return fmt.Sprintf("%s:%s:%s", a.Type, a.Device.ID, a.Domain)
}
