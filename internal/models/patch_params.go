package models

// PatchParameters is the network configuration injected into a firmware image.
type PatchParameters struct {
	NewHostname         string `json:"hostname" validate:"required,max=12,hostname"`
	TagPreviousHostname bool   `json:"tagPreviousHostname"`
	PreviousHostname    string `json:"hostnameOld,omitempty" validate:"requiredif=TagPreviousHostname,max=12,hostname"`
	WifiSSID            string `json:"wifiSsid,omitempty" validate:"pairwith=WifiPassword"`
	WifiPassword        string `json:"wifiPass,omitempty" validate:"pairwith=WifiSSID"`
}

// HasWifi reports whether Wi-Fi credentials are to be injected.
func (p PatchParameters) HasWifi() bool {
	return p.WifiSSID != "" && p.WifiPassword != ""
}

// Redacted returns a copy safe for logs and snapshots.
func (p PatchParameters) Redacted() PatchParameters {
	if p.WifiPassword != "" {
		p.WifiPassword = "********"
	}
	return p
}
