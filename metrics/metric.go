//
//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2023 THL A29 Limited, a Tencent company.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package metrics provides runtime monitoring counters for the selector,
// such as epoll/kqueue wait efficiency and waiter churn, a good tool for
// performance tuning.
package metrics

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// All metrics definitions.
const (
	// Epoll backend
	EpollWait = iota
	EpollNoWait
	EpollEvents
	EpollPwait2Unsupported
	EPERMFallback // counted by both backends

	// Kqueue backend
	KqueueWait
	KqueueNoWait
	KqueueEvents

	// Selector-wide, both backends
	WaitersArmed
	OneShotRearmed
	WakeupsSignalled
	TaskAssigned

	Max
)

var (
	metrics [Max]atomic.Uint64
)

// Add metrics counter.
func Add(name int, delta uint64) {
	if name >= Max {
		return
	}
	metrics[name].Add(delta)
}

// Get one metric counter.
func Get(name int) uint64 {
	if name >= Max {
		return 0
	}
	return metrics[name].Load()
}

// GetAll get all metrics.
func GetAll() [Max]uint64 {
	var m [Max]uint64
	for i := range metrics {
		m[i] = metrics[i].Load()
	}
	return m
}

// ShowMetricsOfPeriod shows metric info of duration d from now on.
// It will block d duration, and then prints metrics info.
func ShowMetricsOfPeriod(d time.Duration) {
	old := GetAll()
	<-time.After(d)
	latest := GetAll()
	var m [Max]uint64
	for i := range metrics {
		m[i] = latest[i] - old[i]
	}
	showAll(m)
}

// ShowMetrics shows metric info in console.
func ShowMetrics() {
	m := GetAll()
	showAll(m)
}

func showAll(m [Max]uint64) {
	fmt.Println("######### ioevent metrics (", time.Now().Format("2006-01-02 15:04:05"), ") ###########")
	showEpollMetrics(m)
	showKqueueMetrics(m)
	fmt.Printf("%-59s: %d\n", "# number of waiters armed (io_wait)", m[WaitersArmed])
	fmt.Printf("%-59s: %d\n", "# number of one-shot filters re-armed", m[OneShotRearmed])
	fmt.Printf("%-59s: %d\n", "# number of wakeup() calls that signalled", m[WakeupsSignalled])
	fmt.Printf("%-59s: %d\n", "# number of ready-queue tasks dispatched", m[TaskAssigned])
	fmt.Printf("\n")
}

func showEpollMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# EPOLL - number of epoll_wait returns (tag:b)", m[EpollWait])
	fmt.Printf("%-59s: %d\n", "# EPOLL - number of epoll_wait called with msec=0 (tag:a)", m[EpollNoWait])
	fmt.Printf("%-59s: %d\n", "# EPOLL - number of total events", m[EpollEvents])
	fmt.Printf("%-59s: %d\n", "# EPOLL - number of epoll_pwait2 ENOSYS fallbacks", m[EpollPwait2Unsupported])
	fmt.Printf("%-59s: %d\n", "# number of EPERM always-ready fallbacks (both backends)", m[EPERMFallback])
	if m[EpollWait] > 0 {
		fmt.Printf("%-59s: %.2f%%\n", "# EPOLL - a/b * 100%", float32(m[EpollNoWait])*100/float32(m[EpollWait]))
		fmt.Printf("%-59s: %.2f\n", "# EPOLL - average events number per epoll_wait",
			float32(m[EpollEvents])/float32(m[EpollWait]))
	}
}

func showKqueueMetrics(m [Max]uint64) {
	fmt.Printf("%-59s: %d\n", "# KQUEUE - number of kevent returns (tag:b)", m[KqueueWait])
	fmt.Printf("%-59s: %d\n", "# KQUEUE - number of kevent calls with zero timeout (tag:a)", m[KqueueNoWait])
	fmt.Printf("%-59s: %d\n", "# KQUEUE - number of total events", m[KqueueEvents])
	if m[KqueueWait] > 0 {
		fmt.Printf("%-59s: %.2f%%\n", "# KQUEUE - a/b * 100%", float32(m[KqueueNoWait])*100/float32(m[KqueueWait]))
		fmt.Printf("%-59s: %.2f\n", "# KQUEUE - average events number per kevent",
			float32(m[KqueueEvents])/float32(m[KqueueWait]))
	}
}
