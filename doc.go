// Package cradle implements a long-running, self-modifying agent daemon.
//
// The daemon accepts natural-language tasks from a single authorized chat
// user, plans each task with an LLM, executes generated code in ephemeral
// Docker containers, reflects on the result, and periodically rewrites
// portions of its own source, pushing updates through the GitHub API and
// exiting with code 42 so the supervisor pulls and restarts.
//
// The root package holds the core subsystems: the multi-provider LLM
// router, the hierarchical task engine with its ReAct loop, the heartbeat
// scheduler, and the self-evolution engine. Providers, the sandbox, the
// repo client, the memory port, and the chat frontend live in subpackages
// and plug in through the interfaces defined here.
package cradle
