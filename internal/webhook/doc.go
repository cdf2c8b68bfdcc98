// Package webhook turns inbound HTTP webhooks into triggers.
//
// Two endpoint formats are supported:
//
//   - github: the X-GitHub-Event header selects a mapping for issues,
//     pull_request, push, pull_request_review, commit_comment and
//     workflow_run deliveries. Actions the mapping does not handle are
//     acknowledged and dropped.
//   - generic: any JSON body becomes a "webhook" trigger. Object bodies may
//     set trigger_type, source, content, repository, branch and user_id.
//
// When an endpoint has a secret, the body must carry an HMAC-SHA256
// signature in its signature header ("sha256=<hex>" or bare hex), compared
// in constant time. Failures always answer a bare 403.
//
// Accepted deliveries are submitted for background processing and answered
// with 202 and the request id.
//
//	webhooks:
//	  listen: "127.0.0.1:8081"
//	  endpoints:
//	    - path: /webhook/github
//	      format: github
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	    - path: /webhook/alerts
//	      format: generic
//	      max_body_size: 262144
package webhook
