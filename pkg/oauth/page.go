package oauth

import "html/template"

// approvePageData feeds the approval page. The poll token is embedded in the
// page so the opened browser can poll for the decision; it is never sent to
// the requesting client directly.
type approvePageData struct {
	RequestID   string
	PollToken   string
	ConfirmCode string
	ClientID    string
}

var approvePage = template.Must(template.New("approve").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authorization Request</title>
<style>
  body { font-family: -apple-system, system-ui, sans-serif; max-width: 32rem; margin: 4rem auto; padding: 0 1rem; color: #1a1a1a; }
  .code { font-size: 2.5rem; letter-spacing: 0.4rem; font-weight: 600; text-align: center; margin: 2rem 0; }
  .client { color: #555; }
  #status { text-align: center; color: #555; margin-top: 2rem; }
</style>
</head>
<body>
<h1>Authorization request</h1>
<p>The client <strong class="client">{{.ClientID}}</strong> is asking for access to this host.</p>
<p>Approve or deny the request from this machine's approval prompt. Confirm that the prompt shows this code:</p>
<div class="code">{{.ConfirmCode}}</div>
<div id="status">Waiting for a decision&hellip;</div>
<script>
const requestID = {{.RequestID}};
const pollToken = {{.PollToken}};
async function poll() {
  try {
    const resp = await fetch("/oauth/pending?request_id=" + encodeURIComponent(requestID) +
      "&poll_token=" + encodeURIComponent(pollToken));
    const body = await resp.json();
    if (body.status === "approved" && body.redirect) {
      window.location = body.redirect;
      return;
    }
    if (body.status === "denied" && body.redirect) {
      document.getElementById("status").textContent = "Request denied.";
      window.location = body.redirect;
      return;
    }
    if (body.status === "expired" || body.status === "forbidden") {
      document.getElementById("status").textContent = "This request is no longer valid.";
      return;
    }
  } catch (err) {
    // transient; keep polling
  }
  setTimeout(poll, 1000);
}
poll();
</script>
</body>
</html>
`))

var expiredPage = template.Must(template.New("expired").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Request Not Found</title></head>
<body style="font-family: -apple-system, system-ui, sans-serif; max-width: 32rem; margin: 4rem auto;">
<h1>Request not found</h1>
<p>This authorization request does not exist or has expired. Retry from the client.</p>
</body>
</html>
`))
