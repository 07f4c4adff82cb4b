package common

import (
	"fmt"
	"net"
	"runtime"
)

var (
	VerBinary = "unset"
	BuildTime = "unset"
	Commit    = "unset"
)

const (
	APIPing    = "/ping"
	APIStats   = "/stats"
	APIMetrics = "/metrics"
	APIEntry   = "/entry/:key"
	APIEntries = "/entries"
	APIWithin  = "/within"
	APIRanges  = "/ranges"
)

func VerString(app string) string {
	return fmt.Sprintf("%s v%s (built w/%s), build at: %s-%s", app, VerBinary, runtime.Version(), BuildTime, Commit)
}

func GetIPv4ForInterfaceName(ifname string) string {
	interfaces, _ := net.Interfaces()
	for _, inter := range interfaces {
		if inter.Name == ifname {
			if addrs, err := inter.Addrs(); err == nil {
				for _, addr := range addrs {
					switch ip := addr.(type) {
					case *net.IPNet:
						if ip.IP.DefaultMask() != nil {
							return ip.IP.String()
						}
					}
				}
			}
		}
	}
	return ""
}
