//go:build linux

/**
 * Copyright (c) 2022, Xerra Earth Observation Institute.
 * Copyright (c) 2025, Simeon Miteff.
 *
 * Portions are derived from of Linux's tcp.h, used under the syscall exception
 * (see https://spdx.org/licenses/Linux-syscall-note.html).
 *
 * See LICENSE.TXT in the root directory of this source tree.
 */

// Package linux wraps the getsockopt(2) TCP_INFO call this tool uses to
// annotate its TCP bootstrap connection (internal/connstats,
// internal/promexport): smoothed RTT, retransmit count and congestion
// window. Every caller in this tree reads only fields present since the
// struct's first stable layout (kernel 2.6.2), so there is no
// kernel-version-dependent struct growth to account for.
package linux

import (
	"errors"
	"syscall"
	"unsafe"
)

// RawTCPInfo mirrors the fixed prefix of the kernel's tcp_info struct that
// has been stable since v2.6.12 (c3f41524e886b7f1b8a0c1fc7321cac2). Fields
// this package never reads (advmss onward) are omitted rather than kept as
// padding: since GetTCPInfo passes sizeof(RawTCPInfo) as the getsockopt
// buffer length, the kernel simply truncates its copy-out to this prefix
// regardless of how large its own struct has grown.
type RawTCPInfo struct { // struct tcp_info {
	state          uint8  // tcpi_state
	ca_state       uint8  // tcpi_ca_state
	retransmits    uint8  // tcpi_retransmits
	probes         uint8  // tcpi_probes
	backoff        uint8  // tcpi_backoff
	options        uint8  // tcpi_options
	bitfield0      uint8  // tcpi_snd_wscale:4, tcpi_rcv_wscale:4
	bitfield1      uint8  // tcpi_delivery_rate_app_limited:1, tcpi_fastopen_client_fail:2
	rto            uint32 // tcpi_rto
	ato            uint32 // tcpi_ato
	snd_mss        uint32 // tcpi_snd_mss
	rcv_mss        uint32 // tcpi_rcv_mss
	unacked        uint32 // tcpi_unacked
	sacked         uint32 // tcpi_sacked
	lost           uint32 // tcpi_lost
	retrans        uint32 // tcpi_retrans
	fackets        uint32 // tcpi_fackets
	last_data_sent uint32 // tcpi_last_data_sent
	last_ack_sent  uint32 // tcpi_last_ack_sent
	last_data_recv uint32 // tcpi_last_data_recv
	last_ack_recv  uint32 // tcpi_last_ack_recv
	pmtu           uint32 // tcpi_pmtu
	rcv_ssthresh   uint32 // tcpi_rcv_ssthresh
	rtt            uint32 // tcpi_rtt
	rttvar         uint32 // tcpi_rttvar
	snd_ssthresh   uint32 // tcpi_snd_ssthresh
	snd_cwnd       uint32 // tcpi_snd_cwnd
} //};

// TCPInfo is the gopher-style subset of tcp_info this tool surfaces.
type TCPInfo struct {
	Retransmits uint8  `tcpi:"name=retransmits,prom_type=gauge,prom_help='Number of timeouts (RTO based retransmissions) at this sequence (reset to zero on forward progress).'"`
	RTT         uint32 `tcpi:"name=rtt,prom_type=gauge,prom_help='Smoothed Round Trip Time (RTT). The Linux implementation differs from the standard.'"`
	SndCWnd     uint32 `tcpi:"name=snd_cwnd,prom_type=gauge,prom_help='Congestion Window. Value controlled by the selected congestion control algorithm.'"`
}

// Unpack copies the fields this package cares about from RawTCPInfo.
func (packed *RawTCPInfo) Unpack() *TCPInfo {
	return &TCPInfo{
		Retransmits: packed.retransmits,
		RTT:         packed.rtt,
		SndCWnd:     packed.snd_cwnd,
	}
}

// Errors from syscall package are private, so we define our own to match the errno.
var (
	EAGAIN error = syscall.EAGAIN
	EINVAL error = syscall.EINVAL
	ENOENT error = syscall.ENOENT
)

var ErrKernelTooOld = errors.New("tcp_info is not available on Linux prior to kernel 2.6.2")

// GetTCPInfo calls getsockopt(2) on Linux to retrieve tcp_info and unpacks
// the subset of it this tool surfaces into a TCPInfo.
func GetTCPInfo(fd int) (*TCPInfo, error) {
	var value RawTCPInfo
	length := uint32(unsafe.Sizeof(value))

	_, _, errNo := syscall.Syscall6(
		syscall.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(syscall.SOL_TCP),
		uintptr(syscall.TCP_INFO),
		uintptr(unsafe.Pointer(&value)),
		uintptr(unsafe.Pointer(&length)),
		0,
	)
	if errNo != 0 {
		switch errNo {
		case syscall.EAGAIN:
			return nil, EAGAIN
		case syscall.EINVAL:
			return nil, EINVAL
		case syscall.ENOENT:
			return nil, ENOENT
		}
		return nil, errNo
	}
	if length < uint32(unsafe.Sizeof(value)) {
		return nil, ErrKernelTooOld
	}

	return value.Unpack(), nil
}
