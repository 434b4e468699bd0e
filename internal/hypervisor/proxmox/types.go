package proxmox

// VMStatus represents the status of a QEMU VM from the Proxmox API.
type VMStatus struct {
	VMID      int     `json:"vmid"`
	Name      string  `json:"name"`
	Status    string  `json:"status"` // "running", "stopped"
	QMPStatus string  `json:"qmpstatus,omitempty"`
	CPU       float64 `json:"cpu"`
	Mem       int64   `json:"mem"`
	MaxMem    int64   `json:"maxmem"`
	Uptime    int64   `json:"uptime"`
	Lock      string  `json:"lock,omitempty"`
}

// NetworkInterface represents a network interface from the QEMU guest agent.
type NetworkInterface struct {
	Name            string           `json:"name"`
	HardwareAddress string           `json:"hardware-address"`
	IPAddresses     []GuestIPAddress `json:"ip-addresses"`
}

// GuestIPAddress is an IP address from the QEMU guest agent.
type GuestIPAddress struct {
	IPAddressType string `json:"ip-address-type"` // "ipv4" or "ipv6"
	IPAddress     string `json:"ip-address"`
	Prefix        int    `json:"prefix"`
}

// TaskStatus represents the status of an asynchronous Proxmox task.
type TaskStatus struct {
	Status     string `json:"status"`               // "running", "stopped"
	ExitStatus string `json:"exitstatus,omitempty"` // "OK" on success
	Type       string `json:"type"`
	Node       string `json:"node"`
}

// VMListEntry represents a VM in the list returned by GET /nodes/{node}/qemu.
type VMListEntry struct {
	VMID     int    `json:"vmid"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Template int    `json:"template,omitempty"`
}

// Session is an authenticated ticket obtained from /access/ticket.
type Session struct {
	Username  string `json:"username"`
	Ticket    string `json:"ticket"`
	CSRFToken string `json:"CSRFPreventionToken"`
}
