package kvm

import "fmt"

const apiVersion = 12

// Request is a KVM ioctl request code.
type Request uint

const (
	RequestGetAPIVersion       Request = 0xae00
	RequestCreateVM            Request = 0xae01
	RequestGetVcpuMmapSize     Request = 0xae04
	RequestGetSupportedCPUID   Request = 0xc008ae05
	RequestCreateVCPU          Request = 0xae41
	RequestSetUserMemoryRegion Request = 0x4020ae46
	RequestSetTSSAddr          Request = 0xae47
	RequestRun                 Request = 0xae80
	RequestGetRegs             Request = 0x8090ae81
	RequestSetRegs             Request = 0x4090ae82
	RequestGetSregs            Request = 0x8138ae83
	RequestSetSregs            Request = 0x4138ae84
	RequestSetCPUID2           Request = 0x4008ae90
)

var requestNames = map[Request]string{
	RequestGetAPIVersion:       "KVM_GET_API_VERSION",
	RequestCreateVM:            "KVM_CREATE_VM",
	RequestGetVcpuMmapSize:     "KVM_GET_VCPU_MMAP_SIZE",
	RequestGetSupportedCPUID:   "KVM_GET_SUPPORTED_CPUID",
	RequestCreateVCPU:          "KVM_CREATE_VCPU",
	RequestSetUserMemoryRegion: "KVM_SET_USER_MEMORY_REGION",
	RequestSetTSSAddr:          "KVM_SET_TSS_ADDR",
	RequestRun:                 "KVM_RUN",
	RequestGetRegs:             "KVM_GET_REGS",
	RequestSetRegs:             "KVM_SET_REGS",
	RequestGetSregs:            "KVM_GET_SREGS",
	RequestSetSregs:            "KVM_SET_SREGS",
	RequestSetCPUID2:           "KVM_SET_CPUID2",
}

func (r Request) String() string {
	if name, ok := requestNames[r]; ok {
		return name
	}
	return fmt.Sprintf("KVM_IOCTL(%#x)", uint(r))
}

type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHlt           ExitReason = 5
	ExitMmio          ExitReason = 6
	ExitIrqWindowOpen ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitSetTpr        ExitReason = 11
	ExitTprAccess     ExitReason = 12
	ExitNmi           ExitReason = 16
	ExitInternalError ExitReason = 17
	ExitSystemEvent   ExitReason = 24
	ExitIoapicEoi     ExitReason = 26
	ExitHyperv        ExitReason = 27
	ExitX86Rdmsr      ExitReason = 29
	ExitX86Wrmsr      ExitReason = 30
	ExitX86BusLock    ExitReason = 33
	ExitNotify        ExitReason = 37
	ExitMemoryFault   ExitReason = 39
)

var exitReasonNames = map[ExitReason]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHlt:           "KVM_EXIT_HLT",
	ExitMmio:          "KVM_EXIT_MMIO",
	ExitIrqWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitSetTpr:        "KVM_EXIT_SET_TPR",
	ExitTprAccess:     "KVM_EXIT_TPR_ACCESS",
	ExitNmi:           "KVM_EXIT_NMI",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	ExitIoapicEoi:     "KVM_EXIT_IOAPIC_EOI",
	ExitHyperv:        "KVM_EXIT_HYPERV",
	ExitX86Rdmsr:      "KVM_EXIT_X86_RDMSR",
	ExitX86Wrmsr:      "KVM_EXIT_X86_WRMSR",
	ExitX86BusLock:    "KVM_EXIT_X86_BUS_LOCK",
	ExitNotify:        "KVM_EXIT_NOTIFY",
	ExitMemoryFault:   "KVM_EXIT_MEMORY_FAULT",
}

func (kr ExitReason) String() string {
	if name, ok := exitReasonNames[kr]; ok {
		return name
	}
	return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
}

type InternalErrorSubReason uint32

const (
	InternalErrorEmulation            InternalErrorSubReason = 1
	InternalErrorSimulEx              InternalErrorSubReason = 2
	InternalErrorDeliveryEv           InternalErrorSubReason = 3
	InternalErrorUnexpectedExitReason InternalErrorSubReason = 4
)

func (k InternalErrorSubReason) String() string {
	switch k {
	case InternalErrorEmulation:
		return "KVM_INTERNAL_ERROR_EMULATION"
	case InternalErrorSimulEx:
		return "KVM_INTERNAL_ERROR_SIMUL_EX"
	case InternalErrorDeliveryEv:
		return "KVM_INTERNAL_ERROR_DELIVERY_EV"
	case InternalErrorUnexpectedExitReason:
		return "KVM_INTERNAL_ERROR_UNEXPECTED_EXIT_REASON"
	default:
		return fmt.Sprintf("KVMInternalErrorSubreason(%d)", uint32(k))
	}
}
