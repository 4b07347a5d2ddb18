package main

import "strings"

// Strips portnumber from remote address and return only the IP-address
func addr2IP(addr string) string {
	i := strings.LastIndex(addr, ":")
	if i == -1 {
		return addr
	}
	return addr[0:i]
}
