package api

import (
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"ingestor/internal/batch"
)

var uiTemplates = template.Must(template.New("layout").Funcs(template.FuncMap{
	"pct": func(v float64) string { return strconv.FormatFloat(v, 'f', 1, 64) },
	"mib": func(v int64) string { return strconv.FormatFloat(float64(v)/(1<<20), 'f', 2, 64) },
	"deref": func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	},
}).Parse(`{{define "head"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  {{if .Refresh}}<meta http-equiv="refresh" content="{{.Refresh}}"/>{{end}}
  <title>Ingestor{{if .Title}} · {{.Title}}{{end}}</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:960px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap;align-items:center}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:8px 12px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#444}
    .btn.danger{background:#b3261e}
    input[type=text],select{padding:8px 10px;border:1px solid #dcdcdc;border-radius:8px}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    .bar{background:#eee;border-radius:6px;height:8px;overflow:hidden;min-width:120px}
    .bar>div{background:#0b63e5;height:8px}
    table{width:100%;border-collapse:collapse}
    td,th{text-align:left;padding:6px 4px;border-bottom:1px solid #f0f0f0;font-size:14px}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
</head>
<body>
  <header>
    <h1><a href="/">Ingestor</a></h1>
    <div class="muted">Batch uploads without JavaScript; pages refresh while work is running</div>
  </header>
  {{if .Error}}
  <div class="card" style="border-color:#f2b8b5;background:#fff6f6">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
{{end}}

{{define "foot"}}
  <footer>
    <div>API base: <span class="mono">/api/batch-uploads</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "home"}}
  {{template "head" .}}
  <div class="card">
    <h2>New batch</h2>
    <form method="post" action="/ui/batches" enctype="multipart/form-data">
      <div class="row">
        <input type="file" name="files" multiple required />
        <input type="text" name="notebook_ids" placeholder="notebook ids, comma separated" />
        <input type="text" name="transformations" placeholder="transformations, comma separated" />
        <select name="priority">
          <option value="normal">normal</option>
          <option value="low">low</option>
          <option value="high">high</option>
          <option value="urgent">urgent</option>
        </select>
        <select name="auto_start">
          <option value="true">start now</option>
          <option value="false">start later</option>
        </select>
        <button class="btn" type="submit">Upload</button>
      </div>
    </form>
    <div class="muted">POST /api/batch-uploads/init</div>
  </div>

  <div class="card">
    <h2>Open batch</h2>
    <form method="get" action="/ui/batches">
      <div class="row">
        <input type="text" name="id" placeholder="Batch ID" required />
        <button class="btn" type="submit">Open</button>
      </div>
    </form>
  </div>

  <div class="card">
    <h2>Active batches</h2>
    {{if .Active}}
    <table>
      <tr><th>Batch</th><th>Status</th><th>Progress</th><th>Files</th><th>Size (MiB)</th></tr>
      {{range .Active}}
      <tr>
        <td><a class="mono" href="/ui/batches/{{.ID}}">{{.ID}}</a></td>
        <td><span class="status">{{.Status}}</span></td>
        <td><div class="bar"><div style="width:{{pct .ProgressPercentage}}%"></div></div></td>
        <td>{{.ProcessedFiles}}/{{.TotalFiles}}{{if .FailedFiles}} · {{.FailedFiles}} failed{{end}}</td>
        <td>{{mib .TotalSize}}</td>
      </tr>
      {{end}}
    </table>
    {{else}}
    <div class="muted">Nothing running</div>
    {{end}}
  </div>

  <div class="card">
    <h3>Totals</h3>
    <div class="muted">{{.Stats.TotalBatches}} batches · {{.Stats.ProcessedFiles}} files processed · {{.Stats.FailedFiles}} failed · {{.Stats.QueuedItems}} queued · {{.Stats.WorkerSlots}} workers{{if .Stats.Busy}} (all busy){{end}}</div>
  </div>
  {{template "foot" .}}
{{end}}

{{define "batch"}}
  {{template "head" .}}
  {{with .Batch}}
  <div class="card">
    <h2>Batch <span class="mono">{{.ID}}</span></h2>
    <div>Status: <span class="status">{{.Status}}</span> · priority {{.Priority}}</div>
    <div style="margin:8px 0"><div class="bar"><div style="width:{{pct .ProgressPercentage}}%"></div></div></div>
    <div>{{pct .ProgressPercentage}}% · {{.ProcessedFiles}} processed · {{.FailedFiles}} failed · {{.SkippedFiles}} skipped of {{.TotalFiles}}</div>
    <div class="muted">{{mib .UploadedSize}} of {{mib .TotalSize}} MiB uploaded{{if .EstimatedTimeRemaining}} · about {{pct (deref .EstimatedTimeRemaining)}}s left{{end}}</div>
    <div class="muted">Created {{.CreatedAt.Format "2006-01-02 15:04:05"}}</div>
    {{if .ErrorSummary}}
    <div class="muted">Errors: {{range $k, $v := .ErrorSummary}}<span class="mono">{{$k}}</span>×{{$v}} {{end}}</div>
    {{end}}
  </div>

  <div class="card">
    <form method="post" action="/ui/batches/{{.ID}}/control" class="row">
      {{if eq .Status "initializing"}}<button class="btn" name="action" value="start">Start</button>{{end}}
      {{if eq .Status "paused"}}<button class="btn" name="action" value="resume">Resume</button>{{else}}<button class="btn secondary" name="action" value="pause">Pause</button>{{end}}
      <button class="btn danger" name="action" value="cancel">Cancel</button>
      <a class="btn secondary" href="/ui/batches/{{.ID}}">Refresh</a>
      {{if .ProcessedFiles}}<a class="btn secondary" href="/api/batch-uploads/{{.ID}}/archive">Download zip</a>{{end}}
    </form>
    <div class="muted">POST /api/batch-uploads/{{.ID}}/control</div>
  </div>

  <div class="card">
    <h3>Files</h3>
    <table>
      <tr><th>File</th><th>Status</th><th>Upload</th><th>Processing</th><th>Retries</th></tr>
      {{range .Files}}
      <tr>
        <td>{{.OriginalFilename}}<div class="muted mono">{{.ID}}</div>{{if .ErrorMessage}}<div class="muted">{{.ErrorMessage}}</div>{{end}}</td>
        <td><span class="status">{{.Status}}</span></td>
        <td>{{pct .UploadProgress}}%</td>
        <td>{{pct .ProcessingProgress}}%</td>
        <td>{{.RetryCount}}</td>
      </tr>
      {{end}}
    </table>
  </div>
  {{end}}
  {{template "foot" .}}
{{end}}
`))

// RefreshSeconds is the polling cadence for a batch in the given status;
// zero means stop polling.
func RefreshSeconds(s batch.Status) int {
	switch s {
	case batch.StatusUploading, batch.StatusValidating, batch.StatusProcessing:
		return 1
	case batch.StatusPaused, batch.StatusInitializing:
		return 3
	default:
		return 0
	}
}

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.GET("/ui/batches", a.UIOpenExisting)
	router.POST("/ui/batches", a.UICreateBatch)
	router.GET("/ui/batches/:id", a.UIBatch)
	router.POST("/ui/batches/:id/control", a.UIControl)
}

func (a *API) homeData(errMsg string) gin.H {
	active := a.batches.Active("")
	refresh := 0
	for _, s := range active {
		if r := RefreshSeconds(s.Status); r > 0 && (refresh == 0 || r < refresh) {
			refresh = r
		}
	}
	return gin.H{"Active": active, "Stats": a.batches.Stats(""), "Refresh": refresh, "Error": errMsg}
}

// UIHome renders the upload form and active batches
func (a *API) UIHome(c *gin.Context) { c.HTML(http.StatusOK, "home", a.homeData("")) }

// UIOpenExisting redirects to the batch page by id
func (a *API) UIOpenExisting(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.Redirect(http.StatusFound, "/ui/batches/"+id)
}

// UICreateBatch stages the uploaded files and redirects to the new batch
func (a *API) UICreateBatch(c *gin.Context) {
	req, cleanup, err := a.initRequest(c)
	if err != nil {
		c.HTML(http.StatusBadRequest, "home", a.homeData(err.Error()))
		return
	}
	created, err := a.batches.Init(req)
	if err != nil {
		cleanup()
		c.HTML(http.StatusBadRequest, "home", a.homeData(err.Error()))
		return
	}
	log.Info().Str("batch_id", created.ID).Int("files", created.TotalFiles).Msg("batch created from ui")
	c.Redirect(http.StatusFound, "/ui/batches/"+created.ID)
}

// UIBatch renders a batch page that refreshes while the batch is running
func (a *API) UIBatch(c *gin.Context) {
	snap, err := a.batches.Status(c.Param("id"))
	if err != nil {
		c.HTML(http.StatusNotFound, "home", a.homeData(err.Error()))
		return
	}
	c.HTML(http.StatusOK, "batch", gin.H{"Batch": snap, "Title": snap.ID, "Refresh": RefreshSeconds(snap.Status)})
}

// UIControl applies the submitted action and redirects back to the batch page
func (a *API) UIControl(c *gin.Context) {
	id := c.Param("id")
	if _, _, err := a.batches.Control(id, c.PostForm("action")); err != nil {
		snap, serr := a.batches.Status(id)
		if serr != nil {
			c.HTML(http.StatusNotFound, "home", a.homeData(serr.Error()))
			return
		}
		c.HTML(http.StatusBadRequest, "batch", gin.H{"Batch": snap, "Title": snap.ID, "Error": err.Error()})
		return
	}
	c.Redirect(http.StatusFound, "/ui/batches/"+id)
}
