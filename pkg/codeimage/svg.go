package codeimage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DefaultURL is the CodeImage editor.
const DefaultURL = "https://app.codeimage.dev/"

const setEditorScript = `(code) => {
	const el = document.querySelector('.cm-content[contenteditable="true"]');
	const view = el?.cmView?.rootView;
	if (view) {
		view.dispatch({
			changes: { from: 0, to: view.state.doc.length, insert: code },
		});
	}
}`

const writeClipboardScript = `async (text) => { await navigator.clipboard.writeText(text); }`

const findHideTabScript = `() => {
	const label = document.querySelector('label[for="frameShowWatermarkField"]');
	if (!label) return null;
	const container = label.closest('div') || label.parentElement;
	const tabs = Array.from(container?.querySelectorAll('[role="tab"]') ?? []);
	const hideTab = tabs.find(t => t.textContent?.trim() === 'Hide');
	return hideTab ? hideTab.id : null;
}`

// SVGExporter exports Python files as SVG images through the CodeImage web editor.
type SVGExporter struct {
	URL       string
	OutputDir string
	// Timeout applies to each browser step.
	Timeout  time.Duration
	Headless bool
}

// InstallBrowser downloads the Playwright driver and Chromium.
func InstallBrowser() error {
	err := playwright.Install(&playwright.RunOptions{
		Browsers: []string{"chromium"},
	})
	if err != nil {
		return eris.Wrap(err, "failed to install playwright")
	}
	return nil
}

func (e *SVGExporter) timeoutMs() *float64 {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return playwright.Float(float64(timeout.Milliseconds()))
}

// Export writes <OutputDir>/<stem>.svg for every file and returns the written paths. All files are read
// before the browser starts so a missing file fails early.
func (e *SVGExporter) Export(ctx context.Context, files []string) ([]string, error) {
	logger := zerolog.Ctx(ctx)

	sources := make([]string, len(files))
	for idx, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "source file not found: %s", file)
		}
		sources[idx] = string(content)
	}

	err := os.MkdirAll(e.OutputDir, 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", e.OutputDir)
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, eris.Wrap(err, "failed to start playwright (try --install-browser)")
	}
	defer func() {
		if err := pw.Stop(); err != nil {
			logger.Warn().Err(err).Msg("failed to stop playwright")
		}
	}()

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(e.Headless),
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to launch chromium")
	}
	defer browser.Close()

	result := make([]string, 0, len(files))
	for idx, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		logger.Info().Str("path", file).Msg("exporting")
		dest := filepath.Join(e.OutputDir, Stem(file)+".svg")
		err = e.exportOne(ctx, browser, sources[idx], dest)
		if err != nil {
			return result, eris.Wrapf(err, "failed to export %s", file)
		}

		logger.Info().Str("path", dest).Msgf("saved %s", dest)
		result = append(result, dest)
	}

	return result, nil
}

func (e *SVGExporter) exportOne(ctx context.Context, browser playwright.Browser, code, dest string) error {
	logger := zerolog.Ctx(ctx)
	url := e.URL
	if url == "" {
		url = DefaultURL
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport:        &playwright.Size{Width: 1400, Height: 900},
		AcceptDownloads: playwright.Bool(true),
		Permissions:     []string{"clipboard-read", "clipboard-write"},
	})
	if err != nil {
		return eris.Wrap(err, "failed to create browser context")
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return eris.Wrap(err, "failed to open page")
	}
	page.SetDefaultTimeout(*e.timeoutMs())

	logger.Debug().Msg("loading CodeImage")
	_, err = page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   e.timeoutMs(),
	})
	if err != nil {
		return eris.Wrapf(err, "failed to load %s", url)
	}
	page.WaitForTimeout(3000)

	logger.Debug().Msg("dismissing dialogs")
	dismissDialogs(page)

	logger.Debug().Msg("selecting Python")
	err = selectOption(page, "#frameLanguageField-trigger", "Python")
	if err != nil {
		return eris.Wrap(err, "failed to select the language")
	}

	logger.Debug().Msg("selecting the VSCode Dark theme")
	err = selectOption(page, "#frameSyntaxHighlightField-trigger", "VSCode Dark")
	if err != nil {
		return eris.Wrap(err, "failed to select the theme")
	}

	logger.Debug().Msg("hiding the watermark")
	err = hideWatermark(page)
	if err != nil {
		return eris.Wrap(err, "failed to hide the watermark")
	}

	logger.Debug().Msg("injecting code")
	err = pasteCode(page, code)
	if err != nil {
		logger.Debug().Err(err).Msg("clipboard failed, falling back to the editor API")
		err = dispatchCode(page, code)
		if err != nil {
			return eris.Wrap(err, "failed to inject the code")
		}
	}
	page.WaitForTimeout(500)

	logger.Debug().Msg("exporting SVG")
	return exportSVG(page, dest)
}

func dismissDialogs(page playwright.Page) {
	dialog := page.Locator(`[role="dialog"]`)
	err := dialog.WaitFor(playwright.LocatorWaitForOptions{Timeout: playwright.Float(5000)})
	if err != nil {
		// no dialog
		return
	}

	_ = page.Keyboard().Press("Escape")
	_ = dialog.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateHidden,
		Timeout: playwright.Float(5000),
	})
}

func selectOption(page playwright.Page, trigger, name string) error {
	err := page.Locator(trigger).Click()
	if err != nil {
		return err
	}
	page.WaitForTimeout(500)

	err = page.GetByRole(*playwright.AriaRoleOption, playwright.PageGetByRoleOptions{
		Name:  name,
		Exact: playwright.Bool(true),
	}).Click()
	if err != nil {
		return err
	}
	page.WaitForTimeout(300)
	return nil
}

func hideWatermark(page playwright.Page) error {
	err := page.Locator(`label[for="frameShowWatermarkField"]`).WaitFor(playwright.LocatorWaitForOptions{
		Timeout: playwright.Float(5000),
	})
	if err != nil {
		return err
	}

	tabID, err := page.Evaluate(findHideTabScript)
	if err != nil {
		return err
	}

	if id, ok := tabID.(string); ok && id != "" {
		err = page.Locator("#" + id).Click()
	} else {
		err = page.Locator(`label[for="frameShowWatermarkField"] ~ div [role="tab"]:has-text("Hide")`).Click()
	}
	if err != nil {
		return err
	}

	page.WaitForTimeout(300)
	return nil
}

func editor(page playwright.Page) playwright.Locator {
	// only the active editor tab is editable
	return page.Locator(`.cm-content[contenteditable="true"]`).First()
}

func pasteCode(page playwright.Page, code string) error {
	_, err := page.Evaluate(writeClipboardScript, code)
	if err != nil {
		return err
	}

	err = editor(page).Click()
	if err != nil {
		return err
	}

	keyboard := page.Keyboard()
	if err = keyboard.Press("ControlOrMeta+a"); err != nil {
		return err
	}
	page.WaitForTimeout(200)

	if err = keyboard.Press("ControlOrMeta+v"); err != nil {
		return err
	}
	page.WaitForTimeout(800)
	return nil
}

func dispatchCode(page playwright.Page, code string) error {
	err := editor(page).Click()
	if err != nil {
		return err
	}

	keyboard := page.Keyboard()
	if err = keyboard.Press("ControlOrMeta+a"); err != nil {
		return err
	}
	if err = keyboard.Press("Delete"); err != nil {
		return err
	}
	page.WaitForTimeout(200)

	_, err = page.Evaluate(setEditorScript, code)
	if err != nil {
		return err
	}
	page.WaitForTimeout(300)
	return nil
}

func exportSVG(page playwright.Page, dest string) error {
	err := page.GetByText("Export", playwright.PageGetByTextOptions{Exact: playwright.Bool(true)}).Click()
	if err != nil {
		return eris.Wrap(err, "failed to open the export dialog")
	}

	err = page.Locator(`[role="dialog"]`).WaitFor(playwright.LocatorWaitForOptions{Timeout: playwright.Float(10000)})
	if err != nil {
		return eris.Wrap(err, "export dialog did not open")
	}
	page.WaitForTimeout(1000)

	for _, tab := range []string{"Export as image", "SVG"} {
		err = page.GetByRole(*playwright.AriaRoleTab, playwright.PageGetByRoleOptions{
			Name:  tab,
			Exact: playwright.Bool(true),
		}).Click()
		if err != nil {
			return eris.Wrapf(err, "failed to select %s", tab)
		}
		page.WaitForTimeout(300)
	}

	download, err := page.ExpectDownload(func() error {
		return page.GetByRole(*playwright.AriaRoleButton, playwright.PageGetByRoleOptions{
			Name:  "Confirm",
			Exact: playwright.Bool(true),
		}).Click()
	}, playwright.PageExpectDownloadOptions{Timeout: playwright.Float(30000)})
	if err != nil {
		return eris.Wrap(err, "download did not start")
	}

	tmpDir, err := os.MkdirTemp("", "codeimage")
	if err != nil {
		return eris.Wrap(err, "failed to create a temporary directory")
	}
	defer os.RemoveAll(tmpDir)

	downloaded := filepath.Join(tmpDir, download.SuggestedFilename())
	err = download.SaveAs(downloaded)
	if err != nil {
		return eris.Wrap(err, "failed to save the download")
	}

	content, err := os.ReadFile(downloaded)
	if err != nil {
		return eris.Wrapf(err, "failed to read %s", downloaded)
	}

	err = os.WriteFile(dest, content, 0o660)
	if err != nil {
		return eris.Wrapf(err, "failed to write %s", dest)
	}

	return nil
}
