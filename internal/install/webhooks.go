package install

import "context"

// registerWebhooks makes every repository push to the server. Failures on
// one repository do not stop the others; the first error is returned.
func (i *Installer) registerWebhooks(ctx context.Context) error {
	if len(i.opts.Repositories) == 0 {
		return nil
	}
	if i.hooks == nil {
		i.printSkip("No GitHub token, webhooks not registered")
		return nil
	}

	url := i.hookURL()
	var firstErr error
	for _, repo := range i.opts.Repositories {
		created, err := i.hooks.EnsurePushHook(ctx, repo, url, i.cfg.Forge.WebhookSecret)
		switch {
		case err != nil:
			i.printFail("Webhook on " + repo)
			if firstErr == nil {
				firstErr = err
			}
		case created:
			i.printOK("Creating webhook on " + repo)
		default:
			i.printOK("Updating webhook on " + repo)
		}
	}
	return firstErr
}
