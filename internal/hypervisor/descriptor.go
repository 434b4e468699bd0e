package hypervisor

import (
	"strconv"
	"strings"
)

// DiskDescriptor is the parsed form of a volume string such as
// "local-lvm:vm-101-disk-0,size=50G" or "local-lvm:40".
type DiskDescriptor struct {
	Storage string
	SizeGB  int
	HasSize bool
}

// ParseDiskDescriptor splits storage at the first colon. The size is the
// numeric remainder after the colon, overridden by an explicit size=
// option. A trailing unit letter is dropped; M and T units are converted
// to whole gigabytes.
func ParseDiskDescriptor(desc string) (DiskDescriptor, bool) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return DiskDescriptor{}, false
	}
	parts := strings.Split(desc, ",")
	head := parts[0]

	storage, rest, found := strings.Cut(head, ":")
	if !found || storage == "" {
		return DiskDescriptor{}, false
	}
	d := DiskDescriptor{Storage: storage}
	if n, ok := parseSize(rest); ok {
		d.SizeGB, d.HasSize = n, true
	}
	for _, opt := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(opt), "=")
		if !ok || strings.ToLower(k) != "size" {
			continue
		}
		if n, ok := parseSize(v); ok {
			d.SizeGB, d.HasSize = n, true
		}
	}
	return d, true
}

func parseSize(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	unit := byte('G')
	if last := s[len(s)-1]; last < '0' || last > '9' {
		unit = last &^ 0x20 // upper-case ASCII
		s = s[:len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	switch unit {
	case 'K':
		f /= 1024 * 1024
	case 'M':
		f /= 1024
	case 'T':
		f *= 1024
	}
	return int(f), true
}

// DiskVolume formats a "<storage>:<sizeGB>" volume descriptor.
func DiskVolume(storage string, sizeGB int) string {
	return storage + ":" + strconv.Itoa(sizeGB)
}

// ParseIPConfig returns the ip= value of a "key=value[/prefix],..."
// network descriptor with any CIDR suffix removed. dhcp and empty values
// yield "".
func ParseIPConfig(desc string) string {
	for _, part := range strings.Split(desc, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok || strings.ToLower(strings.TrimSpace(k)) != "ip" {
			continue
		}
		v = strings.TrimSpace(v)
		if i := strings.IndexByte(v, '/'); i >= 0 {
			v = v[:i]
		}
		if strings.EqualFold(v, "dhcp") {
			return ""
		}
		return v
	}
	return ""
}

// DiskKeys are the config keys checked, in order, for the boot volume.
var DiskKeys = []string{"scsi0", "virtio0", "sata0", "ide0"}

// PrimaryDisk returns the first non-cdrom volume among DiskKeys.
func PrimaryDisk(cfg map[string]string) (key, desc string) {
	for _, k := range DiskKeys {
		v, ok := cfg[k]
		if !ok || v == "" || strings.Contains(v, "media=cdrom") {
			continue
		}
		return k, v
	}
	return "", ""
}
