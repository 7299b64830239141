package slurm

import (
	"fmt"
	"strings"

	"github.com/drejom/rbiocverse-sub003/internal/config"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
	"github.com/drejom/rbiocverse-sub003/pkg/shellx"
)

// scriptParams carries everything one IDE job script needs.
type scriptParams struct {
	ide         domain.IDE
	token       string
	release     config.Release
	defaultPort int
}

// stateDir is the per-IDE working directory under the user's home,
// e.g. ~/.vscode-slurm. The port file lives inside it.
func stateDir(ide domain.IDE) string { return "~/." + ide.JobName() }

// portFinderScript scans upward from the IDE's default port until
// netstat shows it free, capped at default+100, records the choice in
// portFile and emits `export IDE_PORT=<n>` as its FINAL line so the
// parent shell can eval the output.
func portFinderScript(defaultPort int, portFile string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "PORT=%d\n", defaultPort)
	fmt.Fprintf(&b, "LIMIT=%d\n", defaultPort+100)
	b.WriteString("while netstat -tln 2>/dev/null | grep -q \":${PORT} \"; do\n")
	b.WriteString("  PORT=$((PORT + 1))\n")
	b.WriteString("  if [ \"$PORT\" -gt \"$LIMIT\" ]; then\n")
	fmt.Fprintf(&b, "    echo \"no free port in %d-%d\" >&2\n", defaultPort, defaultPort+100)
	b.WriteString("    exit 1\n")
	b.WriteString("  fi\n")
	b.WriteString("done\n")
	fmt.Fprintf(&b, "echo \"$PORT\" > %s\n", portFile)
	b.WriteString("echo \"export IDE_PORT=$PORT\"\n")
	return b.String()
}

// devServerProxy is the companion HTTP proxy launched next to VS Code.
// It routes /proxy/<port>/... to dev servers on the compute node and
// flips ~/.hpc-proxy/status to running once it is listening.
const devServerProxy = `import http.server
import pathlib
import socketserver
import sys
import urllib.request

PORT = int(sys.argv[1]) if len(sys.argv) > 1 else 8050


class Handler(http.server.BaseHTTPRequestHandler):
    def do_GET(self):
        parts = self.path.split('/', 3)
        if len(parts) < 3 or parts[1] != 'proxy':
            self.send_error(404)
            return
        try:
            port = int(parts[2])
        except ValueError:
            self.send_error(400)
            return
        rest = '/' + (parts[3] if len(parts) > 3 else '')
        try:
            with urllib.request.urlopen('http://127.0.0.1:%d%s' % (port, rest)) as resp:
                body = resp.read()
                self.send_response(resp.status)
                for k, v in resp.headers.items():
                    if k.lower() not in ('transfer-encoding', 'connection'):
                        self.send_header(k, v)
                self.end_headers()
                self.wfile.write(body)
        except Exception:
            self.send_error(502)

    def log_message(self, *args):
        pass


with socketserver.ThreadingTCPServer(('0.0.0.0', PORT), Handler) as httpd:
    (pathlib.Path.home() / '.hpc-proxy' / 'status').write_text('running')
    httpd.serve_forever()
`

const vscodeSettings = `{
  "telemetry.telemetryLevel": "off",
  "update.mode": "none",
  "extensions.autoUpdate": false,
  "workbench.startupEditor": "none"
}
`

const rsessionConf = `session-default-working-dir=~
session-default-new-project-dir=~
session-timeout-minutes=0
`

const jupyterConfig = `c.ServerApp.root_dir = ''
c.ServerApp.open_browser = False
c.ServerApp.allow_remote_access = True
c.LabApp.check_for_updates_class = 'jupyterlab.NeverCheckForUpdate'
`

// buildJobScript renders the batch script body for one IDE.
func buildJobScript(p scriptParams) (string, error) {
	switch p.ide {
	case domain.IDEVSCode:
		return vscodeScript(p), nil
	case domain.IDERStudio:
		return rstudioScript(p), nil
	case domain.IDEJupyter:
		return jupyterScript(p), nil
	default:
		return "", fmt.Errorf("op=slurm.buildJobScript: no script for ide %q: %w", p.ide, domain.ErrValidation)
	}
}

// scriptPrologue is shared by all three scripts: stderr goes to a
// post-mortem file in the home directory before anything else can fail,
// then the working directories are created.
func scriptPrologue(p scriptParams, extraDirs ...string) string {
	dir := stateDir(p.ide)
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "exec 2>>\"$HOME/.%s.err\"\n", p.ide.JobName())
	b.WriteString("mkdir -p " + dir)
	for _, d := range extraDirs {
		b.WriteString(" " + d)
	}
	b.WriteString("\n")
	return b.String()
}

// threadEnv pins BLAS/OpenMP pools to the allocation size.
const threadEnv = `export OMP_NUM_THREADS=${SLURM_CPUS_PER_TASK:-1}
export MKL_NUM_THREADS=${SLURM_CPUS_PER_TASK:-1}
`

func apptainerExec(image string, bindPaths ...string) string {
	parts := []string{"exec apptainer exec"}
	for _, p := range bindPaths {
		if p != "" {
			parts = append(parts, "--bind "+p)
		}
	}
	parts = append(parts, image)
	return strings.Join(parts, " ")
}

func vscodeScript(p scriptParams) string {
	dir := stateDir(p.ide)
	var b strings.Builder
	b.WriteString(scriptPrologue(p, "~/.hpc-proxy", dir+"/data"))
	b.WriteString(shellx.EmbedBase64(vscodeSettings, dir+"/data/Machine/settings.json") + "\n")
	b.WriteString(shellx.EmbedBase64(portFinderScript(p.defaultPort, dir+"/port"), dir+"/find-port.sh") + "\n")
	b.WriteString(shellx.EmbedBase64(devServerProxy, "~/.hpc-proxy/proxy.py") + "\n")
	b.WriteString("eval \"$(bash " + dir + "/find-port.sh)\"\n")
	b.WriteString("PROXY_PORT=$((IDE_PORT + 1000))\n")
	b.WriteString("echo \"$PROXY_PORT\" > ~/.hpc-proxy/port\n")
	b.WriteString("echo starting > ~/.hpc-proxy/status\n")
	b.WriteString("nohup python3 ~/.hpc-proxy/proxy.py \"$PROXY_PORT\" >/dev/null 2>&1 &\n")
	b.WriteString(threadEnv)
	if p.release.RLibrary != "" {
		b.WriteString("export R_LIBS_USER=" + p.release.RLibrary + "\n")
	}
	b.WriteString("export PASSWORD=" + shellx.SingleQuote(p.token) + "\n")
	b.WriteString(apptainerExec(p.release.Image, p.release.RLibrary) + " \\\n")
	b.WriteString("  code-server --bind-addr 0.0.0.0:${IDE_PORT} --auth password" +
		" --disable-telemetry --user-data-dir " + dir + "/data\n")
	return b.String()
}

func rstudioScript(p scriptParams) string {
	dir := stateDir(p.ide)
	var b strings.Builder
	b.WriteString(scriptPrologue(p, dir+"/run", dir+"/lib"))
	b.WriteString(shellx.EmbedBase64(rsessionConf, dir+"/rsession.conf") + "\n")
	b.WriteString(shellx.EmbedBase64(portFinderScript(p.defaultPort, dir+"/port"), dir+"/find-port.sh") + "\n")
	b.WriteString("eval \"$(bash " + dir + "/find-port.sh)\"\n")
	b.WriteString(threadEnv)
	if p.release.RLibrary != "" {
		b.WriteString("export R_LIBS_USER=" + p.release.RLibrary + "\n")
	}
	b.WriteString("exec apptainer exec \\\n")
	b.WriteString("  --bind " + dir + "/run:/var/run/rstudio-server \\\n")
	b.WriteString("  --bind " + dir + "/lib:/var/lib/rstudio-server \\\n")
	if p.release.RLibrary != "" {
		b.WriteString("  --bind " + p.release.RLibrary + " \\\n")
	}
	b.WriteString("  " + p.release.Image + " \\\n")
	// RStudio runs auth-none: the reverse proxy in front of the portal
	// terminates user trust, so no token travels to the node.
	b.WriteString("  rserver --www-port=${IDE_PORT} --auth-none=1" +
		" --server-user=$USER --server-daemonize=0" +
		" --rsession-config-file=$HOME/." + p.ide.JobName() + "/rsession.conf\n")
	return b.String()
}

func jupyterScript(p scriptParams) string {
	dir := stateDir(p.ide)
	var b strings.Builder
	b.WriteString(scriptPrologue(p))
	b.WriteString(shellx.EmbedBase64(jupyterConfig, dir+"/jupyter_lab_config.py") + "\n")
	b.WriteString(shellx.EmbedBase64(portFinderScript(p.defaultPort, dir+"/port"), dir+"/find-port.sh") + "\n")
	b.WriteString("eval \"$(bash " + dir + "/find-port.sh)\"\n")
	b.WriteString(threadEnv)
	if p.release.PythonSitePackages != "" {
		b.WriteString("export PYTHONPATH=" + p.release.PythonSitePackages + "\n")
	}
	b.WriteString("export JUPYTER_CONFIG_DIR=$HOME/." + p.ide.JobName() + "\n")
	b.WriteString(apptainerExec(p.release.Image, p.release.PythonSitePackages) + " \\\n")
	b.WriteString("  jupyter lab --ip=0.0.0.0 --port=${IDE_PORT} --no-browser" +
		" --ServerApp.token=" + shellx.SingleQuote(p.token) + "\n")
	return b.String()
}
