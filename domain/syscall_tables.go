//
// Copyright 2019-2022 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

// These tables map syscall numbers to names for the architectures this
// module traces sandboxees on. A production build would generate them
// from the kernel's unistd_64.h/unistd_arm64.h at build time; this is
// the hand-curated subset the policy builder's AllowX convenience
// methods and the violation-reporting path actually need.

var syscallTableAmd64 = map[int32]string{
	0:   "read",
	1:   "write",
	2:   "open",
	3:   "close",
	4:   "stat",
	5:   "fstat",
	6:   "lstat",
	7:   "poll",
	8:   "lseek",
	9:   "mmap",
	10:  "mprotect",
	11:  "munmap",
	12:  "brk",
	13:  "rt_sigaction",
	14:  "rt_sigprocmask",
	16:  "ioctl",
	17:  "pread64",
	18:  "pwrite64",
	19:  "readv",
	20:  "writev",
	21:  "access",
	22:  "pipe",
	23:  "select",
	24:  "sched_yield",
	25:  "mremap",
	28:  "madvise",
	32:  "dup",
	33:  "dup2",
	35:  "nanosleep",
	37:  "alarm",
	39:  "getpid",
	41:  "socket",
	42:  "connect",
	56:  "clone",
	57:  "fork",
	58:  "vfork",
	59:  "execve",
	60:  "exit",
	61:  "wait4",
	62:  "kill",
	63:  "uname",
	72:  "fcntl",
	78:  "getdents",
	79:  "getcwd",
	80:  "chdir",
	83:  "mkdir",
	87:  "unlink",
	89:  "readlink",
	97:  "getrlimit",
	98:  "getrusage",
	102: "getuid",
	104: "getgid",
	107: "geteuid",
	108: "getegid",
	110: "getppid",
	137: "statfs",
	157: "prctl",
	158: "arch_prctl",
	160: "setrlimit",
	161: "chroot",
	186: "gettid",
	202: "futex",
	218: "set_tid_address",
	228: "clock_gettime",
	230: "clock_nanosleep",
	231: "exit_group",
	232: "epoll_wait",
	257: "openat",
	262: "newfstatat",
	270: "pselect6",
	273: "set_robust_list",
	302: "prlimit64",
	318: "getrandom",
	322: "execveat",
	332: "statx",
	334: "rseq",
	437: "openat2",
	439: "faccessat2",
}

var syscallTableArm64 = map[int32]string{
	17:  "getcwd",
	29:  "ioctl",
	34:  "mkdirat",
	35:  "unlinkat",
	48:  "faccessat",
	49:  "chdir",
	56:  "openat",
	57:  "close",
	61:  "getdents64",
	63:  "read",
	64:  "write",
	65:  "readv",
	66:  "writev",
	72:  "pselect6",
	78:  "readlinkat",
	79:  "newfstatat",
	80:  "fstat",
	93:  "exit",
	94:  "exit_group",
	95:  "waitid",
	98:  "futex",
	99:  "set_robust_list",
	101: "nanosleep",
	113: "clock_gettime",
	115: "clock_nanosleep",
	134: "rt_sigaction",
	135: "rt_sigprocmask",
	157: "setsid",
	160: "uname",
	163: "getrlimit",
	164: "setrlimit",
	165: "getrusage",
	167: "prctl",
	172: "getpid",
	173: "getppid",
	174: "getuid",
	175: "geteuid",
	176: "getgid",
	177: "getegid",
	178: "gettid",
	198: "socket",
	203: "connect",
	220: "clone",
	221: "execve",
	222: "mmap",
	226: "mprotect",
	215: "munmap",
	233: "madvise",
	260: "wait4",
	278: "getrandom",
	281: "execveat",
	291: "statx",
	293: "rseq",
	437: "openat2",
	439: "faccessat2",
}
