package skills

import "github.com/agenthatchery/cradle"

// builtinSkills ship with the agent and are uploaded to the external store
// on boot.
var builtinSkills = []cradle.Skill{
	{
		Name:        "web_search",
		Description: "Search the web for information. Use for research, current events, documentation lookups, and any question requiring up-to-date data.",
		Content: `---
name: web_search
description: Search the web using Google Custom Search API or DuckDuckGo fallback.
---

# Web Search Skill

Use this skill whenever you need to look up information on the web.

## How to Use

Write Python code that calls the web search function:

` + "```python" + `
import os, urllib.parse, urllib.request, json

def web_search(query: str, num_results: int = 5) -> list[dict]:
    """Search the web. Returns list of {title, url, snippet}."""
    cse_key = os.getenv("GOOGLE_CSE_KEY", "")
    cse_id = os.getenv("GOOGLE_CSE_ID", "")
    if cse_key and cse_id:
        url = (
            f"https://www.googleapis.com/customsearch/v1"
            f"?key={cse_key}&cx={cse_id}"
            f"&q={urllib.parse.quote(query)}&num={num_results}"
        )
        with urllib.request.urlopen(url, timeout=10) as r:
            data = json.loads(r.read())
        return [
            {"title": i["title"], "url": i["link"], "snippet": i.get("snippet", "")}
            for i in data.get("items", [])
        ]
    # Fallback: DuckDuckGo Lite, no API key needed.
    url = f"https://html.duckduckgo.com/html/?q={urllib.parse.quote(query)}"
    req = urllib.request.Request(url, headers={"User-Agent": "Mozilla/5.0"})
    with urllib.request.urlopen(req, timeout=10) as r:
        body = r.read().decode("utf-8", errors="replace")
    print(body[:5000])
    return []

results = web_search("example query")
for r in results:
    print(f"- {r['title']}\n  {r['url']}\n  {r['snippet']}\n")
` + "```" + `

## Key Notes
- Set needs_network: true in your task plan when using this skill
- Google CSE gives better results but needs env vars GOOGLE_CSE_KEY + GOOGLE_CSE_ID
- DuckDuckGo Lite works without any API keys as a fallback
- Always print results to stdout so the agent can read them
`,
	},
	{
		Name:        "github_cli",
		Description: "Read files from GitHub repos, clone repositories, commit and push code changes. Use for code downloads, uploads, and version control operations.",
		Content: `---
name: github_cli
description: Interact with GitHub using git CLI and GitHub API. Clone, read, commit, push.
---

# GitHub CLI Skill

Use this skill for all GitHub operations: reading files, cloning repos, pushing changes.

## Available Operations

### 1. Read a file from GitHub (no clone needed)
` + "```python" + `
import os, urllib.request, json, base64

def github_read_file(repo: str, path: str, ref: str = "main") -> str:
    """Read a file from a GitHub repo via API."""
    token = os.getenv("GITHUB_PAT", "")
    url = f"https://api.github.com/repos/{repo}/contents/{path}?ref={ref}"
    req = urllib.request.Request(url, headers={
        "Authorization": f"token {token}",
        "Accept": "application/vnd.github.v3+json",
    })
    with urllib.request.urlopen(req, timeout=10) as r:
        data = json.loads(r.read())
    return base64.b64decode(data["content"]).decode("utf-8")

print(github_read_file("agenthatchery/cradle", "README.md")[:2000])
` + "```" + `

### 2. Clone a repo and read files
` + "```bash" + `
#!/bin/bash
git clone https://$GITHUB_PAT@github.com/OWNER/REPO.git /tmp/repo
cat /tmp/repo/README.md
` + "```" + `

### 3. Commit and push a change
` + "```bash" + `
#!/bin/bash
cd /tmp/repo
git add -A
git -c user.name=cradle -c user.email=cradle@localhost commit -m "message"
git push origin main
` + "```" + `

## Key Notes
- Set needs_network: true in your task plan
- The container has git installed and the GITHUB_PAT env var
- Always clone to /tmp/ paths
`,
	},
	{
		Name:        "spawn_agent",
		Description: "Clone a GitHub repo and run it as an ephemeral Docker sub-agent. Use for running specialized agents or any containerized AI tool.",
		Content: `---
name: spawn_agent
description: Spawn a sub-agent from a GitHub repository using Docker.
---

# Spawn Agent Skill

Use this skill to run another agent or tool from a GitHub repository.

## How It Works
1. Clone the target repo to a temp directory
2. Build or pull its Docker image
3. Run the container with mounted input/output volumes
4. Read and return the results

## Python Implementation
` + "```python" + `
import os, subprocess, tempfile, shutil

def spawn_agent(github_repo: str, command: list[str], timeout: int = 120) -> dict:
    """Clone a GitHub repo and run it as a Docker sub-agent."""
    tmpdir = tempfile.mkdtemp(prefix="cradle_agent_")
    try:
        token = os.getenv("GITHUB_PAT", "")
        clone_url = f"https://{token}@github.com/{github_repo}.git"
        repo_dir = os.path.join(tmpdir, "repo")
        result = subprocess.run(
            ["git", "clone", "--depth=1", clone_url, repo_dir],
            capture_output=True, text=True, timeout=60,
        )
        if result.returncode != 0:
            return {"success": False, "stdout": "", "stderr": result.stderr}

        image = "python:3.12-slim"
        if os.path.exists(os.path.join(repo_dir, "Dockerfile")):
            image = "cradle-subagent-" + github_repo.replace("/", "-").lower()
            build = subprocess.run(
                ["docker", "build", "-t", image, repo_dir],
                capture_output=True, text=True, timeout=120,
            )
            if build.returncode != 0:
                image = "python:3.12-slim"

        proc = subprocess.run(
            ["docker", "run", "--rm", "--memory=512m", "--cpus=2",
             "-v", f"{repo_dir}:/workspace", "-w", "/workspace",
             "--env", f"GITHUB_PAT={token}", image] + command,
            capture_output=True, text=True, timeout=timeout,
        )
        return {
            "success": proc.returncode == 0,
            "stdout": proc.stdout[:10000],
            "stderr": proc.stderr[:3000],
        }
    finally:
        shutil.rmtree(tmpdir, ignore_errors=True)

result = spawn_agent("matebenyovszky/healing-agent", ["python", "main.py"])
print(result["stdout"][:3000])
` + "```" + `

## Key Notes
- Always set needs_network: true (clone requires internet)
- The container has the Docker socket mounted, so Docker-in-Docker works
- Timeout default is 120s, increase for heavy tasks
`,
	},
}
