package discovery

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const (
	ServiceType = "_multiserversync._udp"

	txtProject  = "project="
	txtInstance = "instance="

	defaultBrowseInterval = 5 * time.Second
	defaultQueryTimeout   = time.Second
)

type Params struct {
	Name           string
	Port           uint16
	Project        uuid.UUID
	Instance       uuid.UUID
	BrowseInterval time.Duration
	QueryTimeout   time.Duration
}

// Service advertises the local sync endpoint via mDNS and browses for
// other endpoints of the same project.
type Service struct {
	log    *zap.Logger
	params Params
}

func New(log *zap.Logger, params Params) *Service {
	if params.Instance == uuid.Nil {
		panic("local instance must not be nil")
	}
	if params.BrowseInterval <= 0 {
		params.BrowseInterval = defaultBrowseInterval
	}
	if params.QueryTimeout <= 0 {
		params.QueryTimeout = defaultQueryTimeout
	}
	return &Service{log: log, params: params}
}

func txtRecords(project, instance uuid.UUID) []string {
	return []string{
		txtProject + project.String(),
		txtInstance + instance.String(),
	}
}

func parseTXT(fields []string) (project, instance uuid.UUID, ok bool) {
	var hasProject, hasInstance bool
	for _, f := range fields {
		var err error
		switch {
		case strings.HasPrefix(f, txtProject):
			project, err = uuid.Parse(strings.TrimPrefix(f, txtProject))
			hasProject = err == nil
		case strings.HasPrefix(f, txtInstance):
			instance, err = uuid.Parse(strings.TrimPrefix(f, txtInstance))
			hasInstance = err == nil
		}
	}
	return project, instance, hasProject && hasInstance
}

// accept returns the sync address of entry if it belongs to the local
// project and is not the local instance.
func (s *Service) accept(entry *mdns.ServiceEntry) (netip.AddrPort, bool) {
	project, instance, ok := parseTXT(entry.InfoFields)
	if !ok || project != s.params.Project || instance == s.params.Instance {
		return netip.AddrPort{}, false
	}
	if entry.Port <= 0 || entry.Port > 0xffff {
		return netip.AddrPort{}, false
	}
	ip := entry.AddrV4
	if ip == nil {
		ip = entry.AddrV6
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(entry.Port)), true
}

func (s *Service) advertise() (*mdns.Server, error) {
	ips, err := localIPs()
	if err != nil {
		return nil, fmt.Errorf("failed to get local IPs: %w", err)
	}
	name := fmt.Sprintf("%s-%s", s.params.Name, s.params.Instance.String()[:8])
	zone, err := mdns.NewMDNSService(name, ServiceType, "", "", int(s.params.Port), ips,
		txtRecords(s.params.Project, s.params.Instance))
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("failed to create mdns server: %w", err)
	}
	s.log.Info("advertising mdns service",
		zap.String("name", name), zap.String("service", ServiceType), zap.Uint16("port", s.params.Port))
	return server, nil
}

func (s *Service) browse(ctx context.Context, found func(netip.AddrPort)) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			addr, ok := s.accept(entry)
			if !ok {
				continue
			}
			s.log.Debug("discovered peer", zap.String("name", entry.Name), zap.Stringer("addr", addr))
			if ctx.Err() == nil {
				found(addr)
			}
		}
	}()
	err := mdns.QueryContext(ctx, &mdns.QueryParam{
		Service: ServiceType,
		Domain:  "local",
		Timeout: s.params.QueryTimeout,
		Entries: entries,
	})
	close(entries)
	<-done
	if err != nil {
		s.log.Debug("mdns query failed", zap.Error(err))
	}
}

// Run advertises the local endpoint and periodically browses for peers,
// passing each discovered address to found, until ctx is done. If the
// endpoint cannot be advertised, Run keeps browsing.
func (s *Service) Run(ctx context.Context, found func(netip.AddrPort)) error {
	server, err := s.advertise()
	if err != nil {
		s.log.Info("failed to advertise, browsing only", zap.Error(err))
	} else {
		defer func() {
			_ = server.Shutdown()
		}()
	}
	ticker := time.NewTicker(s.params.BrowseInterval)
	defer ticker.Stop()
	for {
		s.browse(ctx, found)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && !ipnet.IP.IsLinkLocalUnicast() {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
