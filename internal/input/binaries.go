package input

// knownBinaries are first tokens that always mean "run this in the shell".
var knownBinaries = map[string]bool{}

func init() {
	for _, b := range []string{
		// files and navigation
		"ls", "cd", "pwd", "cat", "less", "more", "head", "tail", "cp", "mv", "rm",
		"mkdir", "rmdir", "touch", "ln", "chmod", "chown", "find", "tree", "du", "df",
		"stat", "file", "open", "which", "whereis",
		// text
		"echo", "printf", "grep", "rg", "ag", "sed", "awk", "sort", "uniq", "wc",
		"cut", "tr", "diff", "xargs", "jq", "yq",
		// editors
		"vim", "vi", "nvim", "nano", "emacs", "code",
		// processes and system
		"ps", "top", "htop", "kill", "killall", "env", "export", "source", "sudo",
		"uname", "whoami", "date", "history", "clear", "exit", "man",
		// network
		"curl", "wget", "ssh", "scp", "rsync", "ping", "nc",
		// archives
		"tar", "zip", "unzip", "gzip",
		// vcs and build
		"git", "gh", "make", "cmake",
		// languages and package managers
		"go", "cargo", "rustc", "python", "python3", "pip", "pip3", "node", "npm",
		"npx", "yarn", "pnpm", "bun", "deno", "ruby", "gem", "bundle", "java",
		"mvn", "gradle", "swift", "brew", "apt", "apt-get",
		// containers and cloud
		"docker", "docker-compose", "kubectl", "helm", "terraform", "aws", "gcloud",
		// multiplexers
		"tmux", "screen",
	} {
		knownBinaries[b] = true
	}
}
