package concierge

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"go.chromium.org/vmtools/internal/vmerr"
)

// Pool is a file-backed set of allocated resource records, one canonical
// printable line per record, guarded by an exclusive advisory lock for the
// pool's lifetime. This is the generic mechanism behind spec.md §6's
// subnet/cid/mac/nfs_export pool files.
type Pool struct {
	path string
	fd   int
	set  map[string]bool
}

// OpenPool opens (creating if absent) the pool file at path and takes an
// exclusive advisory lock. The lock is held until Close.
func OpenPool(path string) (*Pool, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0600)
	if err != nil {
		return nil, fmt.Errorf("open pool %s: %w", path, vmerr.IOErr(err))
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, fmt.Errorf("pool %s locked by another holder: %w", path, vmerr.Unavailable)
		}
		return nil, fmt.Errorf("lock pool %s: %w", path, vmerr.IOErr(err))
	}

	data, err := readAllFdResources(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("read pool %s: %w", path, vmerr.IOErr(err))
	}

	set := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			set[line] = true
		}
	}
	return &Pool{path: path, fd: fd, set: set}, nil
}

// Has reports whether record is currently allocated.
func (p *Pool) Has(record string) bool {
	return p.set[record]
}

// Allocate records a new resource and persists the pool file. Fails
// vmerr.BadInput if the record is already present.
func (p *Pool) Allocate(record string) error {
	if p.set[record] {
		return fmt.Errorf("resource %q already allocated: %w", record, vmerr.BadInput)
	}
	p.set[record] = true
	return p.persist()
}

// Release frees a resource and persists the pool file.
func (p *Pool) Release(record string) error {
	delete(p.set, record)
	return p.persist()
}

func (p *Pool) persist() error {
	lines := make([]string, 0, len(p.set))
	for r := range p.set {
		lines = append(lines, r)
	}
	sortStrings(lines)
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	if err := writeAllFdResources(p.fd, buf.Bytes()); err != nil {
		return fmt.Errorf("persist pool %s: %w", p.path, vmerr.IOErr(err))
	}
	return nil
}

// Close releases the lock and closes the backing fd.
func (p *Pool) Close() error {
	return unix.Close(p.fd)
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

func readAllFdResources(fd int) ([]byte, error) {
	if _, err := unix.Seek(fd, 0, 0); err != nil {
		return nil, err
	}
	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
		}
		if n == 0 || err != nil {
			return out, nil
		}
	}
}

func writeAllFdResources(fd int, data []byte) error {
	if _, err := unix.Seek(fd, 0, 0); err != nil {
		return err
	}
	n0 := len(data)
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return unix.Ftruncate(fd, int64(n0))
}

// --- Subnet pool: 100.115.92.0/24 subdivided into 64 /30s, index 0 reserved ---

// SubnetAlloc describes one allocated /30: network, gateway, guest, and
// broadcast addresses, with its /30 netmask.
type SubnetAlloc struct {
	Index     int
	Network   net.IP
	Gateway   net.IP
	Guest     net.IP
	Broadcast net.IP
	Netmask   net.IP
}

const containerSubnetBase = "100.115.92.0"

// AllocateSubnet picks the lowest free /30 index in [1,63] (index 0 is
// reserved for the platform container) and records it in the pool.
func AllocateSubnet(pool *Pool) (*SubnetAlloc, error) {
	base := net.ParseIP(containerSubnetBase).To4()
	for idx := 1; idx < 64; idx++ {
		record := strconv.Itoa(idx)
		if pool.Has(record) {
			continue
		}
		if err := pool.Allocate(record); err != nil {
			return nil, err
		}
		return subnetForIndex(base, idx), nil
	}
	return nil, fmt.Errorf("no free container subnet: %w", vmerr.Unavailable)
}

// ReleaseSubnet returns a /30 index to the pool.
func ReleaseSubnet(pool *Pool, idx int) error {
	return pool.Release(strconv.Itoa(idx))
}

func subnetForIndex(base net.IP, idx int) *SubnetAlloc {
	off := idx * 4
	network := make(net.IP, 4)
	copy(network, base)
	network[3] = byte(off)
	// off stays below 256 for idx < 64, so nothing carries into the third octet.
	ip := make(net.IP, 4)
	copy(ip, network)
	gw := cloneIP4(ip)
	gw[3]++
	guest := cloneIP4(ip)
	guest[3] += 2
	bcast := cloneIP4(ip)
	bcast[3] += 3
	return &SubnetAlloc{
		Index:     idx,
		Network:   ip,
		Gateway:   gw,
		Guest:     guest,
		Broadcast: bcast,
		Netmask:   net.IPv4(255, 255, 255, 252).To4(),
	}
}

func cloneIP4(ip net.IP) net.IP {
	out := make(net.IP, 4)
	copy(out, ip)
	return out
}

// --- Vsock cid pool: 0, 1, 2 reserved; guests allocated from 3 upward ---

// AllocateCID picks the lowest free cid >= 3 and records it in the pool.
func AllocateCID(pool *Pool) (uint32, error) {
	for cid := uint32(3); cid < 1<<20; cid++ {
		record := strconv.FormatUint(uint64(cid), 10)
		if pool.Has(record) {
			continue
		}
		if err := pool.Allocate(record); err != nil {
			return 0, err
		}
		return cid, nil
	}
	return 0, fmt.Errorf("no free vsock cid: %w", vmerr.Unavailable)
}

// ReleaseCID returns a cid to the pool.
func ReleaseCID(pool *Pool, cid uint32) error {
	return pool.Release(strconv.FormatUint(uint64(cid), 10))
}

// --- MAC pool: locally-administered, collision-checked, excludes broadcast ---

var broadcastMAC = "ff:ff:ff:ff:ff:ff"

// AllocateMAC generates a random locally-administered MAC (bit 1 of the
// first octet set, bit 0 clear — i.e. a multicast-clear, locally
// administered unicast address) that is not already in the pool and is
// not the broadcast address, retrying on collision.
func AllocateMAC(pool *Pool) (string, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var b [6]byte
		if _, err := rand.Read(b[:]); err != nil {
			return "", fmt.Errorf("read random mac bytes: %w", vmerr.IOErr(err))
		}
		b[0] = (b[0] | 0x02) &^ 0x01
		mac := fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", b[0], b[1], b[2], b[3], b[4], b[5])
		if mac == broadcastMAC || pool.Has(mac) {
			continue
		}
		if err := pool.Allocate(mac); err != nil {
			return "", err
		}
		return mac, nil
	}
	return "", fmt.Errorf("failed to allocate a free mac after retries: %w", vmerr.Unavailable)
}

// ReleaseMAC returns a MAC to the pool.
func ReleaseMAC(pool *Pool, mac string) error {
	return pool.Release(mac)
}
